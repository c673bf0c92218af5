// Package patch rebuilds a code snapshot from a previous version plus an
// incremental diff-match-patch patch sent by the editor.
package patch

import (
	"log/slog"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Apply applies patchText to previousCode. Any parse or application failure
// yields previousCode unchanged; results of individual hunks are not reported.
func Apply(previousCode, patchText string) (result string) {
	result = previousCode
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("patch apply panicked, keeping previous code", "panic", r)
			result = previousCode
		}
	}()

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		slog.Debug("patch parse failed, keeping previous code", "error", err)
		return previousCode
	}
	if len(patches) == 0 {
		return previousCode
	}

	applied, _ := dmp.PatchApply(patches, previousCode)
	return applied
}

// Make returns the textual patch that turns from into to.
func Make(from, to string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(from, to))
}
