package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/telemetry"
)

const DefaultInterval = 60 * time.Second

// Sweeper is the work a scheduler tick performs.
type Sweeper interface {
	Categories() []string
	RefreshHealth(category string) error
	// Maintain runs once per sweep after every category was refreshed.
	Maintain()
}

// Scheduler re-evaluates category health periodically, independent of
// ingestion. Stop blocks until the sweep goroutine has exited.
type Scheduler struct {
	logger  *zap.Logger
	sweeper Sweeper

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(sweeper Sweeper, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger,
		sweeper: sweeper,
	}
}

// Start begins sweeping every interval. A non-positive interval uses
// DefaultInterval. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(interval, s.stopCh, s.doneCh)

	s.logger.Info("Scheduler started", zap.Duration("interval", interval))
}

// Stop halts the scheduler. After it returns no sweep is running or will run.
// Stop is safe to call repeatedly and on a scheduler that never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.running = false

	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(doneCh)

	for {
		select {
		case <-ticker.C:
			s.sweep(stopCh)
		case <-stopCh:
			return
		}
	}
}

// Sweep runs one sweep synchronously.
func (s *Scheduler) Sweep() {
	s.sweep(nil)
}

func (s *Scheduler) sweep(stopCh <-chan struct{}) {
	start := time.Now()
	defer func() {
		telemetry.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	categories := s.sweeper.Categories()
	failed := 0
	for _, category := range categories {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := s.refresh(category); err != nil {
			failed++
			telemetry.SweepFailures.WithLabelValues(category).Inc()
			s.logger.Error("Health sweep failed for category",
				zap.String("category", category),
				zap.Error(err))
		}
	}

	s.maintain()

	s.logger.Debug("Health sweep complete",
		zap.Int("categories", len(categories)),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) refresh(category string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.sweeper.RefreshHealth(category)
}

func (s *Scheduler) maintain() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep maintenance panicked", zap.Any("panic", r))
		}
	}()
	s.sweeper.Maintain()
}
