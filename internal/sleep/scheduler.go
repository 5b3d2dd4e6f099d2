package sleep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ListPersonasFunc returns the personas the scheduler services.
type ListPersonasFunc func(ctx context.Context) ([]string, error)

// Scheduler periodically offers every persona a maintenance pass. The
// Manager decides whether one is due.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	manager  *Manager
	listFn   ListPersonasFunc
	lastTick time.Time
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

// NewScheduler creates a scheduler that checks every interval.
func NewScheduler(interval time.Duration, manager *Manager, listFn ListPersonasFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		interval: interval,
		timeout:  5 * time.Minute,
		manager:  manager,
		listFn:   listFn,
		logger:   logger,
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("Maintenance scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the tick loop and waits for an in-flight tick.
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
	s.logger.Info("Maintenance scheduler stopped")
}

// LastTick reports when the scheduler last checked its personas.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
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
			s.Tick(ctx)
		}
	}
}

// Tick runs one check over every persona and returns how many maintenance
// passes ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	s.lastTick = time.Now()
	s.mu.Unlock()

	ids, err := s.listFn(ctx)
	if err != nil {
		s.logger.Warn("Listing personas failed", zap.Error(err))
		return 0
	}

	ran := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		tctx, cancel := context.WithTimeout(ctx, s.timeout)
		c, err := s.manager.ScheduleMaintenance(tctx, id)
		cancel()
		switch {
		case err != nil:
			s.logger.Warn("Scheduled maintenance failed",
				zap.String("persona", id),
				zap.Error(err))
		case c != nil:
			ran++
			s.logger.Debug("Scheduled maintenance ran", zap.String("persona", id))
		}
	}
	return ran
}
