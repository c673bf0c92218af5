package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/codetutor/internal/patch"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExtractCommand(t *testing.T) {
	reply := "Check the loop bound.\n\n### Interview Snapshot\n- Help tier: Guide\n- Struggle score: 57\n"
	out, err := runCmd(t, reply, "extract", "-")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	var got extractResult
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if got.HelpLevel == nil || *got.HelpLevel != 2 {
		t.Errorf("help level = %v, want 2", got.HelpLevel)
	}
	if got.StruggleScore == nil || *got.StruggleScore != 57 {
		t.Errorf("struggle score = %v, want 57", got.StruggleScore)
	}
	if got.Text != "Check the loop bound." {
		t.Errorf("text = %q", got.Text)
	}
}

func TestExtractCommandWithoutSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.txt")
	if err := os.WriteFile(path, []byte("No snapshot here."), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "", "extract", path)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if !strings.Contains(out, `"help_level": null`) || !strings.Contains(out, `"struggle_score": null`) {
		t.Errorf("expected null fields, got %s", out)
	}
}

func TestPatchCommandRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.py")
	next := filepath.Join(dir, "next.py")
	if err := os.WriteFile(base, []byte("x = 1\nprint(x)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(next, []byte("x = 2\nprint(x)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	patchText, err := runCmd(t, "", "patch", "--base", base, "--to", next)
	if err != nil {
		t.Fatalf("patch --to failed: %v", err)
	}
	if patchText != patch.Make("x = 1\nprint(x)\n", "x = 2\nprint(x)\n") {
		t.Errorf("unexpected patch text %q", patchText)
	}

	applied, err := runCmd(t, patchText, "patch", "--base", base, "--patch", "-")
	if err != nil {
		t.Fatalf("patch apply failed: %v", err)
	}
	if applied != "x = 2\nprint(x)\n" {
		t.Errorf("applied = %q", applied)
	}
}

func TestPatchCommandRequiresPatchOrTarget(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base.py")
	if err := os.WriteFile(base, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "", "patch", "--base", base); err == nil {
		t.Fatal("expected error without --patch or --to")
	}
	if _, err := runCmd(t, "", "patch"); err == nil {
		t.Fatal("expected error without --base")
	}
}

func TestExtractCommandMissingFile(t *testing.T) {
	if _, err := runCmd(t, "", "extract", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
