package maintenance

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"openclip-auth/internal/observability"
)

// Scheduler runs the cleaner in-process on a cron spec such as "@every 15m".
// Deployments that call the cleanup endpoint from an external cron can leave
// it disabled.
type Scheduler struct {
	cron    *cron.Cron
	cleaner *Cleaner
	logger  *observability.Logger
}

func NewScheduler(cleaner *Cleaner, spec string, logger *observability.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.Discard()
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cleaner: cleaner,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("schedule cleanup %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	// Run logs its own outcome.
	_, _ = s.cleaner.Run(context.Background())
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running cleanup to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("cleanup_scheduler_started", map[string]any{"entries": len(s.cron.Entries())})

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("cleanup_scheduler_stopped", map[string]any{})
	return nil
}
