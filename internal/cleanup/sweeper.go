// Package cleanup runs the background sweep that reclassifies expired
// subscriptions and evicts terminal ones past the retention window, without
// touching the request path.
package cleanup

import (
	"context"
	"time"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/common/metrics"
	"subscription-engine/internal/store"
)

// Config holds the sweeper's tunables.
type Config struct {
	// Interval between runs. The first run happens one interval after
	// Start, not immediately.
	Interval time.Duration

	// MaxAge bounds how long terminal subscriptions are retained.
	MaxAge time.Duration

	// ShutdownTimeout bounds how long Stop waits for an in-flight run.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Hour,
		MaxAge:          30 * 24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Sweeper periodically calls CleanupExpired and the age-based CleanupOld on
// the store. Individual run failures are logged and swallowed; the loop only
// terminates on Stop or context cancellation.
type Sweeper struct {
	store  store.Store
	config Config
	logger logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(st store.Store, cfg Config, log logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Sweeper{
		store:  st,
		config: cfg,
		logger: log.WithFields(map[string]interface{}{"component": "cleanup-sweeper"}),
	}
}

// Start launches the background loop. Calling Start twice without Stop is a
// caller bug; the second loop would race the first.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup sweeper started", map[string]interface{}{
		"interval": s.config.Interval.String(),
		"maxAge":   s.config.MaxAge.String(),
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce performs one sweep. Failures are logged, counted and swallowed so
// a bad run never kills the loop.
func (s *Sweeper) runOnce(ctx context.Context) {
	start := time.Now()

	expired, err := s.store.CleanupExpired(ctx)
	if err != nil {
		metrics.CleanupRunFailures.Inc()
		s.logger.WithError(err).Error("cleanup expired failed", nil)
		return
	}

	cutoff := time.Now().Add(-s.config.MaxAge)
	old, err := s.store.CleanupOld(ctx, cutoff)
	if err != nil {
		metrics.CleanupRunFailures.Inc()
		s.logger.WithError(err).Error("cleanup old failed", nil)
		return
	}

	metrics.CleanupDeleted.Add(float64(old))
	s.logger.Info("cleanup run complete", map[string]interface{}{
		"expired":  expired,
		"deleted":  old,
		"duration": time.Since(start).String(),
	})
}

// Stop cancels the loop and waits for the current iteration, bounded by the
// shutdown timeout.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("cleanup sweeper shutdown timed out", nil)
	}
}

// RunNow triggers a single sweep synchronously, outside the schedule. Used
// by tests and operational tooling.
func (s *Sweeper) RunNow(ctx context.Context) {
	s.runOnce(ctx)
}
