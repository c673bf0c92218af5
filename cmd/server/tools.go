package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/codetutor/internal/memory"
	"github.com/ashureev/codetutor/internal/patch"
)

// extractResult is printed by the extract command. Absent fields are null.
type extractResult struct {
	HelpLevel     *int   `json:"help_level"`
	StruggleScore *int   `json:"struggle_score"`
	Text          string `json:"text"`
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <file|->",
		Short: "Parse the Interview Snapshot section of a model reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			text := string(data)
			u := memory.Extract(text)
			res := extractResult{Text: memory.Strip(text)}
			if u.HasHelpLevel {
				v := memory.ClampHelpLevel(u.HelpLevel)
				res.HelpLevel = &v
			}
			if u.HasStruggleScore {
				v := memory.ClampStruggleScore(u.StruggleScore)
				res.StruggleScore = &v
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newPatchCmd() *cobra.Command {
	var basePath, patchPath, toPath string

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply a diff-match-patch patch to a file, or create one with --to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := readInput(cmd, basePath)
			if err != nil {
				return err
			}

			if toPath != "" {
				target, err := readInput(cmd, toPath)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), patch.Make(string(base), string(target)))
				return err
			}

			if patchPath == "" {
				return fmt.Errorf("either --patch or --to is required")
			}
			patchText, err := readInput(cmd, patchPath)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), patch.Apply(string(base), string(patchText)))
			return err
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "file holding the previous code")
	cmd.Flags().StringVar(&patchPath, "patch", "", "file holding the patch text (- for stdin)")
	cmd.Flags().StringVar(&toPath, "to", "", "file holding the new code; prints the patch from --base to it")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
