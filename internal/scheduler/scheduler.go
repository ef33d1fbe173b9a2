package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("scheduler: stopped")

type handle struct {
	interval time.Duration
	job      Job
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler owns a set of recurring jobs keyed by schedule id. Each job runs
// on its own ticker goroutine; a run never overlaps with the next tick of
// the same job.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*handle
	parent  context.Context
	started bool
	stopped bool
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: make(map[string]*handle), logger: logger}
}

// Schedule registers job under id, replacing any job already registered
// with that id. If the scheduler is running the job starts immediately.
func (s *Scheduler) Schedule(id string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if old, ok := s.jobs[id]; ok {
		s.stopHandle(old)
	}
	h := &handle{interval: interval, job: job}
	s.jobs[id] = h
	if s.started {
		s.launch(id, h)
	}
	return nil
}

// Cancel stops and removes the job registered under id. It reports whether
// such a job existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		s.stopHandle(h)
	}
	return ok
}

// Start launches every registered job. Jobs stop when ctx is done or on Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.parent = ctx
	for id, h := range s.jobs {
		s.launch(id, h)
	}
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*handle, 0, len(s.jobs))
	for id, h := range s.jobs {
		handles = append(handles, h)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.stopHandle(h)
	}
}

// IDs returns the registered schedule ids.
func (s *Scheduler) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(id string, h *handle) {
	ctx, cancel := context.WithCancel(s.parent)
	h.cancel = cancel
	h.done = make(chan struct{})
	go s.loop(ctx, id, h)
}

func (s *Scheduler) stopHandle(h *handle) {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (s *Scheduler) loop(ctx context.Context, id string, h *handle) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, id, h.job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, id string, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "scheduled job panicked", "schedule_id", id, "panic", rec)
		}
	}()
	start := time.Now()
	items, err := job(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed",
			"schedule_id", id,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	s.logger.DebugContext(ctx, "scheduled job finished",
		"schedule_id", id,
		"items", items,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
