// Package maintenance runs the background sweeps: retiring old knowledge
// versions and returning stale claims to the backlog.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/foreman/internal/knowledge"
	"github.com/basket/foreman/internal/ledger"
)

// retention is how long retired knowledge versions stay queryable-by-audit
// before the GC removes them.
const retention = 30 * 24 * time.Hour

// Options configures the maintenance scheduler.
type Options struct {
	Logger      *slog.Logger
	Ledger      *ledger.Store
	Knowledge   *knowledge.Store
	ClaimTTL    time.Duration
	KnowledgeGC string // cron spec
	StaleSweep  string // cron spec
}

// Scheduler owns the cron runner.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
}

// New registers the sweep jobs. Specs use standard five-field cron syntax.
func New(opts Options) (*Scheduler, error) {
	log := opts.Logger.With("component", "maintenance")
	c := cron.New()

	if opts.StaleSweep != "" && opts.Ledger != nil {
		ttl := opts.ClaimTTL
		if _, err := c.AddFunc(opts.StaleSweep, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := opts.Ledger.RequeueStale(ctx, ttl)
			if err != nil {
				log.Error("stale sweep failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("stale claims requeued", "count", n, "ttl", ttl.String())
			}
		}); err != nil {
			return nil, fmt.Errorf("stale sweep spec %q: %w", opts.StaleSweep, err)
		}
	}

	if opts.KnowledgeGC != "" && opts.Knowledge != nil {
		if _, err := c.AddFunc(opts.KnowledgeGC, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			n, err := opts.Knowledge.GC(ctx, retention)
			if err != nil {
				log.Error("knowledge gc failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("retired chunks collected", "count", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("knowledge gc spec %q: %w", opts.KnowledgeGC, err)
		}
	}

	return &Scheduler{logger: log, cron: c}, nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
