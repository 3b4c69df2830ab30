// Package sweeper periodically deletes sessions that can no longer be used.
// It only reclaims storage; expiry is enforced by the store on every read.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"constellation/backend/internal/logging"
	"constellation/backend/internal/obs"
)

// Store is the subset of the session store the sweeper needs.
type Store interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper runs DeleteExpired on a fixed interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	metrics  *obs.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a Sweeper. metrics and logger may be nil.
func New(store Store, interval time.Duration, metrics *obs.Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		metrics:  metrics,
		logger:   logging.WithComponent(logger, "session_sweeper"),
		now:      time.Now,
	}
}

// SweepOnce deletes every session whose expiry is before now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		s.logger.Warn("sweep failed", zap.Error(err))
		return 0, err
	}
	s.metrics.Swept(n)
	if n > 0 {
		s.logger.Info("expired sessions deleted", zap.Int64("count", n))
	}
	return n, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
// A non-positive interval disables the loop. Sweep errors do not stop it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	_, _ = s.SweepOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}
