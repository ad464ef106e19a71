// Package scheduler is an in-process job scheduler with singleton semantics:
// at most one pending invocation exists per dedup key, so repeated or racing
// attempts to arm the same run collapse into one.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one job invocation.
type Handler func(ctx context.Context, payload []byte)

// Local schedules registered handlers on timers.
type Local struct {
	Logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*time.Timer
	stopped  bool
}

// New returns a scheduler whose handlers run with a context derived from ctx.
func New(ctx context.Context, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Local{
		Logger:   logger.With(slog.String("component", "scheduler")),
		ctx:      cctx,
		cancel:   cancel,
		handlers: map[string]Handler{},
		pending:  map[string]*time.Timer{},
	}
}

// Register binds a handler to a job name, replacing any previous one.
func (s *Local) Register(job string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[job] = h
}

// ScheduleSingleton arms job after delay unless dedupKey is already pending, in
// which case it returns false.
func (s *Local) ScheduleSingleton(_ context.Context, job string, payload []byte, delay time.Duration, dedupKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, fmt.Errorf("scheduler stopped")
	}
	if _, ok := s.handlers[job]; !ok {
		return false, fmt.Errorf("unknown job %q", job)
	}
	if dedupKey == "" {
		dedupKey = job
	}
	if _, ok := s.pending[dedupKey]; ok {
		return false, nil
	}
	if delay < 0 {
		delay = 0
	}
	s.wg.Add(1)
	s.pending[dedupKey] = time.AfterFunc(delay, func() { s.fire(job, dedupKey, payload) })
	s.Logger.Debug("job scheduled", slog.String("job", job), slog.String("dedup_key", dedupKey), slog.Duration("delay", delay))
	return true, nil
}

func (s *Local) fire(job, key string, payload []byte) {
	defer s.wg.Done()
	s.mu.Lock()
	delete(s.pending, key)
	h := s.handlers[job]
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("job panicked", slog.String("job", job), slog.Any("panic", r))
		}
	}()
	h(s.ctx, payload)
}

// Pending reports the number of armed invocations.
func (s *Local) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels pending timers and waits for running handlers to return.
func (s *Local) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
