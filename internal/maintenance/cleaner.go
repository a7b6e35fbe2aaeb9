package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"openclip-auth/internal/observability"
)

// Sweeper deletes expired state from one backend and reports how many
// entries went away. Backends with native expiry return zero.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type namedSweeper struct {
	name    string
	sweeper Sweeper
}

type Result struct {
	Deleted map[string]int64 `json:"deleted"`
	Failed  []string         `json:"failed,omitempty"`
}

// Cleaner runs every registered sweeper. A failing sweeper does not stop the
// others; all failures come back joined.
type Cleaner struct {
	sweepers []namedSweeper
	logger   *observability.Logger
	metrics  *observability.Metrics
	timeout  time.Duration
}

func NewCleaner(logger *observability.Logger, metrics *observability.Metrics) *Cleaner {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Cleaner{logger: logger, metrics: metrics, timeout: 30 * time.Second}
}

func (c *Cleaner) Register(name string, sweeper Sweeper) *Cleaner {
	c.sweepers = append(c.sweepers, namedSweeper{name: name, sweeper: sweeper})
	return c
}

func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := Result{Deleted: make(map[string]int64, len(c.sweepers))}
	var errs []error
	for _, s := range c.sweepers {
		deleted, err := s.sweeper.Sweep(ctx)
		if err != nil {
			result.Failed = append(result.Failed, s.name)
			errs = append(errs, fmt.Errorf("sweep %s: %w", s.name, err))
			continue
		}
		result.Deleted[s.name] = deleted
		c.metrics.CleanupDeleted(s.name, deleted)
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("auth_cleanup_failed", map[string]any{"failed": result.Failed, "error": err.Error()})
		return result, err
	}

	c.logger.Info("auth_cleanup_completed", map[string]any{"deleted": result.Deleted})
	return result, nil
}
