package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler owns the background sync timer. It is started and stopped
// explicitly; Stop waits for the loop goroutine to exit, so a paused
// orchestrator is guaranteed no further timer-driven runs.
type Scheduler struct {
	mu        sync.Mutex
	owner     *Orchestrator
	interval  time.Duration
	logger    *zap.Logger
	stopCh    chan struct{}
	waitGroup sync.WaitGroup
	running   bool
}

func newScheduler(owner *Orchestrator, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		owner:    owner,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the timer loop. Starting an already running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.waitGroup.Add(1)
	go s.loop(s.stopCh)
	s.logger.Info("background sync scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the timer loop and waits for it to exit. Stopping an idle
// scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.waitGroup.Wait()
	s.logger.Info("background sync scheduler stopped")
}

// IsRunning reports whether the timer loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stopCh <-chan struct{}) {
	defer s.waitGroup.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	_, err := s.owner.RunFullSync(context.Background(), false)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		// A manual sync beat the timer; skip this tick.
	case errors.Is(err, ErrPaused):
	case err != nil:
		s.logger.Error("scheduled sync failed", zap.Error(err))
	}
}
