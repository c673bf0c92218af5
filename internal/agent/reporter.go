package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/ashureev/codetutor/internal/metrics"
)

// limiterIdle is how long a session's rate bucket survives without use.
const limiterIdle = 10 * time.Minute

// Reporter periodically logs registry statistics, refreshes the session
// gauge and sweeps idle rate-limit buckets.
type Reporter struct {
	svc      *Service
	schedule string
	logger   *slog.Logger
	cron     *rcron.Cron
}

// ReportStats is what one report run observed.
type ReportStats struct {
	Sessions int
	Draining int
	Queued   int
	Outbox   int
	Swept    int
}

// NewReporter creates a reporter running on a cron schedule such as
// "@every 1m".
func NewReporter(svc *Service, schedule string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{svc: svc, schedule: schedule, logger: logger}
}

// Start registers the job and runs it until ctx is done or Stop is called.
func (r *Reporter) Start(ctx context.Context) error {
	r.cron = rcron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Report() }); err != nil {
		return fmt.Errorf("register report job %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("[REPORTER] Started", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Report collects and logs one set of statistics.
func (r *Reporter) Report() ReportStats {
	var stats ReportStats
	r.svc.Registry().Range(func(s *Session) bool {
		st := s.State()
		stats.Sessions++
		if st.Draining {
			stats.Draining++
		}
		stats.Queued += st.Queued
		stats.Outbox += st.Outbox
		return true
	})
	stats.Swept = r.svc.Limiter().Sweep(limiterIdle)

	metrics.SetSessions(stats.Sessions)
	r.logger.Info("[REPORTER] Session registry",
		"sessions", stats.Sessions,
		"draining", stats.Draining,
		"queued", stats.Queued,
		"outbox", stats.Outbox,
		"limiters_swept", stats.Swept,
	)
	return stats
}
