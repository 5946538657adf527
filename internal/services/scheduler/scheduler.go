// Package scheduler runs named periodic jobs on a shared cron runner. Jobs
// are panic-safe, skip their tick while a previous run is still in flight and
// can be rescheduled live when the interval changes via config reload.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrNotRunning = errors.New("scheduler not running")

type jobDef struct {
	every time.Duration
	fn    func(ctx context.Context) error
	entry cron.EntryID
}

type Service struct {
	log *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]*jobDef
	runCtx context.Context
}

func New(log *slog.Logger) *Service {
	return &Service{
		log:  log,
		cron: cron.New(),
		jobs: map[string]*jobDef{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts the cron runner and waits for in-flight jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop cancelled", slog.Any("err", ctx.Err()))
	}
}

// AddInterval registers a named job running every `every`. Registering an
// existing name replaces its schedule.
func (s *Service) AddInterval(name string, every time.Duration, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.entry)
	}

	def := &jobDef{every: every, fn: fn}
	var running sync.Mutex
	def.entry = s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		if !running.TryLock() {
			s.log.Debug("job still running, tick skipped", slog.String("job", name))
			return
		}
		defer running.Unlock()
		s.runJob(name, fn)
	}))
	s.jobs[name] = def
	s.log.Info("job scheduled", slog.String("job", name), slog.Duration("every", every))
}

// Reschedule changes an existing job's interval; unknown names are an error.
func (s *Service) Reschedule(name string, every time.Duration) error {
	s.mu.Lock()
	def, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if def.every == every {
		return nil
	}
	s.AddInterval(name, every, def.fn)
	return nil
}

func (s *Service) runJob(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", slog.String("job", name), slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", slog.String("job", name), slog.Any("err", err))
	}
	s.log.Debug("job finished", slog.String("job", name), slog.Duration("took", time.Since(start)))
}
