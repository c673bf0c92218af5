package domain

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is one recorded code-review round for a session.
type Snapshot struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Code      string         `json:"code"`
	Metrics   map[string]any `json:"metrics"`
	Prompt    string         `json:"prompt,omitempty"`
	Response  string         `json:"response,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MetricLines renders metrics as "- key: value" lines with sorted keys.
func MetricLines(metrics map[string]any) []string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, metrics[k]))
	}
	return lines
}
