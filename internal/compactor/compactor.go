// Package compactor assembles the bounded context digest that is appended to
// tutor prompts: latest snapshot metrics, per-line edit history and the most
// recent code runs.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/codetutor/internal/domain"
)

const (
	// MaxLines caps the rendered line history.
	MaxLines = 50
	// EntriesPerLine is how many of the newest edits are shown per line.
	EntriesPerLine = 3
	// ContentLimit is the number of characters kept from an edit.
	ContentLimit = 100
	// MetricsPerEntry caps the metrics rendered next to an edit.
	MetricsPerEntry = 8
	// RecentRuns is how many submissions are shown.
	RecentRuns = 3

	// RunOutputLimit applies to review and drain prompts.
	RunOutputLimit = 1000
	// ChatRunOutputLimit applies to chat prompts.
	ChatRunOutputLimit = 2000

	// TruncatedMarker is appended when line history was cut.
	TruncatedMarker = "(truncated)"
	ellipsis        = "…"
)

// SnapshotReader returns the newest snapshot for a session, or nil.
type SnapshotReader interface {
	LastSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)
}

// DocumentReader returns the editor session document, or nil when absent.
type DocumentReader interface {
	FindSession(ctx context.Context, sessionID string) (*domain.SessionDocument, error)
}

// Compactor builds prompt context sections. Either reader may be nil.
type Compactor struct {
	snapshots SnapshotReader
	documents DocumentReader
	logger    *slog.Logger
	timeout   time.Duration
}

// New creates a compactor.
func New(snapshots SnapshotReader, documents DocumentReader, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		snapshots: snapshots,
		documents: documents,
		logger:    logger,
	}
}

// WithLookupTimeout bounds each Build's store lookups to d.
func (c *Compactor) WithLookupTimeout(d time.Duration) *Compactor {
	c.timeout = d
	return c
}

// Build returns the context sections for a session in fixed order. Lookup
// failures only drop the affected section; Build never fails.
func (c *Compactor) Build(ctx context.Context, sessionID string, runOutputLimit int) []string {
	if c == nil || sessionID == "" {
		return nil
	}
	if runOutputLimit <= 0 {
		runOutputLimit = RunOutputLimit
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		snap *domain.Snapshot
		doc  *domain.SessionDocument
	)

	// Lookups never return errors to the group so one failure cannot cancel
	// the other.
	g, gctx := errgroup.WithContext(ctx)
	if c.snapshots != nil {
		g.Go(func() error {
			s, err := c.snapshots.LastSnapshot(gctx, sessionID)
			if err != nil {
				c.logger.Warn("Context snapshot lookup failed", "session_id", sessionID, "error", err)
				return nil
			}
			snap = s
			return nil
		})
	}
	if c.documents != nil {
		g.Go(func() error {
			d, err := c.documents.FindSession(gctx, sessionID)
			if err != nil {
				c.logger.Warn("Context document lookup failed", "session_id", sessionID, "error", err)
				return nil
			}
			doc = d
			return nil
		})
	}
	_ = g.Wait()

	var sections []string
	if snap != nil {
		if s := MetricsSection(snap.Metrics); s != "" {
			sections = append(sections, s)
		}
	}
	if doc != nil {
		if s := LineHistorySection(doc.LineHistory); s != "" {
			sections = append(sections, s)
		}
		if s := RecentRunsSection(doc.Submissions, runOutputLimit); s != "" {
			sections = append(sections, s)
		}
	}
	return sections
}

// MetricsSection renders the latest metrics, or "" when there are none.
func MetricsSection(metrics map[string]any) string {
	if len(metrics) == 0 {
		return ""
	}
	lines := append([]string{"LATEST METRICS:"}, domain.MetricLines(metrics)...)
	return strings.Join(lines, "\n")
}

// LineHistorySection renders up to MaxLines lines with recorded edits.
// TruncatedMarker is appended only when lines with edits are left over, so a
// history of exactly MaxLines such lines carries no marker. Trailing lines
// without edits do not count as overflow.
func LineHistorySection(history []domain.LineHistory) string {
	lines := []string{"LINE HISTORY:"}
	added := 0
	for i, lh := range history {
		if len(lh.Entries) == 0 {
			continue
		}
		if added == MaxLines {
			if hasEntries(history[i:]) {
				lines = append(lines, TruncatedMarker)
			}
			break
		}
		lines = append(lines, renderLine(lh))
		added++
	}
	if added == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

func hasEntries(history []domain.LineHistory) bool {
	for _, lh := range history {
		if len(lh.Entries) > 0 {
			return true
		}
	}
	return false
}

func renderLine(lh domain.LineHistory) string {
	tail := lh.Entries
	if len(tail) > EntriesPerLine {
		tail = tail[len(tail)-EntriesPerLine:]
	}

	rendered := make([]string, 0, len(tail))
	for _, e := range tail {
		rendered = append(rendered, renderEntry(e))
	}
	return fmt.Sprintf("- L%s: %s", lh.Line, strings.Join(rendered, " | "))
}

func renderEntry(e domain.LineEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ts=%s] '%s'", e.Timestamp, Truncate(e.Content, ContentLimit))

	if len(e.Metrics) > 0 {
		metrics := e.Metrics
		if len(metrics) > MetricsPerEntry {
			metrics = metrics[:MetricsPerEntry]
		}
		pairs := make([]string, 0, len(metrics))
		for _, m := range metrics {
			pairs = append(pairs, m.Key+"="+m.Value)
		}
		b.WriteString(" {" + strings.Join(pairs, ", ") + "}")
	}
	return b.String()
}

// RecentRunsSection renders the newest submissions, oldest of them first.
func RecentRunsSection(subs []domain.Submission, limit int) string {
	if len(subs) == 0 {
		return ""
	}
	if len(subs) > RecentRuns {
		subs = subs[len(subs)-RecentRuns:]
	}

	parts := []string{fmt.Sprintf("RECENT RUNS (last %d):", RecentRuns)}
	for _, s := range subs {
		out := Truncate(strings.TrimSpace(s.Output), limit)
		errText := Truncate(strings.TrimSpace(s.Error), limit)
		parts = append(parts, fmt.Sprintf("- ts=%s\n  output:\n%s\n  error:\n%s", s.Timestamp, out, errText))
	}
	return strings.Join(parts, "\n")
}

// Truncate keeps the first limit characters of s and appends an ellipsis when
// anything was cut.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + ellipsis
}
