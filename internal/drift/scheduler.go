// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package drift

import (
	"context"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
)

// DefaultInterval is the scan period used when none is configured.
const DefaultInterval = time.Hour

// Scanner is what the scheduler drives. *Service satisfies it.
type Scanner interface {
	ScanAllTenants(ctx context.Context) ([]ScanReport, error)
}

// Scheduler scans all tenants on a fixed interval until stopped.
type Scheduler struct {
	scanner  Scanner
	interval time.Duration
	log      *clog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(scanner Scanner, interval time.Duration, logger *clog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = clog.Default()
	}
	return &Scheduler{scanner: scanner, interval: interval, log: logger.WithPrefix("drift-scheduler")}
}

// Start launches the loop. The first scan happens after one interval.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
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

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	reports, err := s.scanner.ScanAllTenants(ctx)
	if err != nil {
		s.log.Error("scheduled drift scan failed", "err", err)
		return
	}
	s.log.Info("scheduled drift scan done", "tenants", len(reports), "took", time.Since(start).Round(time.Millisecond))
}

// Stop cancels the loop and waits for an in-flight scan to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
