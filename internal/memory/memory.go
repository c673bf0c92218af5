// Package memory recovers the tutor's numeric session memory (help tier and
// struggle score) from the "Interview Snapshot" section of a model reply.
package memory

import (
	"errors"
	"strconv"
	"strings"
)

// SectionMarker names the heading the model is asked to emit.
const SectionMarker = "Interview Snapshot"

const (
	// MaxHelpLevel is the highest help tier ("direction").
	MaxHelpLevel = 3
	// MaxStruggleScore bounds the struggle score.
	MaxStruggleScore = 100
)

// Update is the optional state recovered from one model reply.
type Update struct {
	HelpLevel        int
	HasHelpLevel     bool
	StruggleScore    int
	HasStruggleScore bool
}

// Empty reports whether nothing was recovered.
func (u Update) Empty() bool {
	return !u.HasHelpLevel && !u.HasStruggleScore
}

// Extract scans text for the snapshot section. Each field is recovered
// independently; a malformed help tier line does not hide the struggle score.
func Extract(text string) Update {
	var u Update
	lines, ok := section(text)
	if !ok {
		return u
	}

	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case !u.HasHelpLevel && strings.Contains(lower, "help tier"):
			if level, ok := parseHelpTier(lower); ok {
				u.HelpLevel, u.HasHelpLevel = level, true
			}
		case !u.HasStruggleScore && strings.Contains(lower, "struggle score"):
			if score, ok := parseStruggleScore(line); ok {
				u.StruggleScore, u.HasStruggleScore = score, true
			}
		}
	}
	return u
}

// Strip removes the snapshot section so the remaining text can be shown to
// the student. The raw text is returned when nothing else would remain.
func Strip(text string) string {
	start, end, ok := sectionBounds(text)
	if !ok {
		return strings.TrimSpace(text)
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	kept = append(kept, lines[:start]...)
	kept = append(kept, lines[end:]...)
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if out == "" {
		return strings.TrimSpace(text)
	}
	return out
}

// section returns the body lines of the snapshot section.
func section(text string) ([]string, bool) {
	start, end, ok := sectionBounds(text)
	if !ok {
		return nil, false
	}
	return strings.Split(text, "\n")[start+1 : end], true
}

// sectionBounds returns the marker line index and the index of the first
// line after the section (next heading or end of text).
func sectionBounds(text string) (int, int, bool) {
	lines := strings.Split(text, "\n")
	start := markerLine(lines)
	if start < 0 {
		return 0, 0, false
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "#") {
			end = i
			break
		}
	}
	return start, end, true
}

// markerLine finds the first heading naming the section. Replies often
// mention the phrase in prose before the heading, so a bare mention only
// counts when no such heading exists.
func markerLine(lines []string) int {
	marker := strings.ToLower(SectionMarker)
	mention := -1
	for i, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		if !strings.Contains(lower, marker) {
			continue
		}
		if strings.HasPrefix(lower, "#") {
			return i
		}
		if mention < 0 {
			mention = i
		}
	}
	return mention
}

func parseHelpTier(lower string) (int, bool) {
	label := lower
	if idx := strings.Index(lower, ":"); idx >= 0 {
		label = lower[idx+1:]
	} else if idx := strings.Index(lower, "help tier"); idx >= 0 {
		label = lower[idx+len("help tier"):]
	}

	switch {
	case strings.Contains(label, "direction"):
		return 3, true
	case strings.Contains(label, "guide"):
		return 2, true
	case strings.Contains(label, "nudge"):
		return 1, true
	case strings.Contains(label, "self"),
		strings.Contains(label, "sufficient"),
		strings.Contains(label, "no hint"):
		return 0, true
	}
	return 0, false
}

func parseStruggleScore(line string) (int, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return 0, false
	}

	var digits strings.Builder
	for _, r := range line[idx+1:] {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}

	n, err := strconv.Atoi(digits.String())
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return MaxStruggleScore, true
		}
		return 0, false
	}
	return ClampStruggleScore(n), true
}

// ClampHelpLevel bounds a help level to [0, MaxHelpLevel].
func ClampHelpLevel(v int) int {
	return clamp(v, 0, MaxHelpLevel)
}

// ClampStruggleScore bounds a struggle score to [0, MaxStruggleScore].
func ClampStruggleScore(v int) int {
	return clamp(v, 0, MaxStruggleScore)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
