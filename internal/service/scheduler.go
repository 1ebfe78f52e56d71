package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// Scanner runs one scan.
type Scanner interface {
	Scan(ctx context.Context, tick domain.ScanTick) (*domain.ScanReport, error)
}

// Scheduler emits a scan tick every interval and runs at most one scan at a
// time. Manual scans share the sequence and the lock.
type Scheduler struct {
	scanner  Scanner
	clock    port.Clock
	interval time.Duration
	logger   *zap.Logger

	mu  sync.Mutex
	seq int64
}

// NewScheduler creates a scheduler.
func NewScheduler(scanner Scanner, clock port.Clock, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		scanner:  scanner,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks, scanning on every tick until ctx is cancelled. Scan errors are
// logged and the next tick proceeds.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C():
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduled scan failed", zap.Error(err))
			}
		}
	}
}

// RunOnce runs a scan now, waiting for any scan in progress to finish.
func (s *Scheduler) RunOnce(ctx context.Context) (*domain.ScanReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	tick := domain.ScanTick{Seq: s.seq, At: s.clock.Now()}
	return s.scanner.Scan(ctx, tick)
}
