// Package scheduler runs periodic state maintenance: expired chain and job
// records are swept on a jittered interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/log"
)

const (
	DefaultInterval = time.Minute

	// sweepTimeout bounds a single sweep pass.
	sweepTimeout = 30 * time.Second
)

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	Jitter   time.Duration
	Logger   *slog.Logger
}

// Scheduler sweeps a state store until stopped.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	jitter   time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	swept   int
	lastRun time.Time
}

// New creates a Scheduler for sweeper.
func New(sweeper Sweeper, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("scheduler")
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: opts.Interval,
		jitter:   opts.Jitter,
		logger:   opts.Logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps once and then keeps sweeping in the background until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "interval", s.interval, "jitter", s.jitter)
	s.tick(ctx)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for an in-progress sweep.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Swept returns the total number of records reclaimed and when the last
// sweep ran.
func (s *Scheduler) Swept() (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swept, s.lastRun
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(s.interval, s.jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(calculateJitteredInterval(s.interval, s.jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single sweep pass.
func (s *Scheduler) tick(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := s.sweeper.Sweep(sctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.swept += n
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("state sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("swept expired state", "removed", n)
	} else {
		s.logger.Debug("state sweep found nothing to remove")
	}
}

// calculateJitteredInterval adds up to jitter to the base interval.
func calculateJitteredInterval(baseInterval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()+1))
}
