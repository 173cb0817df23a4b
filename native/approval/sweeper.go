package approval

import (
	"context"
	"log/slog"
	"time"
)

// ExpirySweeper periodically expires ApprovalRequests whose voting window
// has closed without reaching consensus.
type ExpirySweeper struct {
	service  *ApprovalService
	registry *ApprovalRegistry
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewExpirySweeper constructs a sweeper with the given tick interval.
func NewExpirySweeper(service *ApprovalService, registry *ApprovalRegistry, interval time.Duration, logger *slog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweeper{
		service:  service,
		registry: registry,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweeper loop until Stop is called or ctx is cancelled.
func (s *ExpirySweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the sweeper loop to exit and waits for it to do so.
func (s *ExpirySweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce performs a single expiry pass synchronously. It is exported so
// callers (and tests) can drive expiry deterministically without waiting on
// the ticker.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) {
	s.sweep(ctx)
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	pending, err := s.registry.PendingRequests(ctx)
	if err != nil {
		s.logger.Error("expiry sweep: list pending requests", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, r := range pending {
		if !r.Expired(now) {
			continue
		}
		if _, err := s.service.Expire(ctx, r.ID); err != nil {
			s.logger.Error("expiry sweep: expire request", "request_id", r.ID, "error", err)
		}
	}
}
