package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAddIntervalRunsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(discardLogger())
	var runs atomic.Int32
	s.AddInterval("tick", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("job never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestJobPanicIsContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(discardLogger())
	var after atomic.Int32
	s.AddInterval("boom", time.Second, func(ctx context.Context) error {
		if after.Add(1) == 1 {
			panic("kaboom")
		}
		return nil
	})
	s.Start(ctx)
	defer s.Stop(context.Background())

	deadline := time.After(4 * time.Second)
	for after.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("job did not survive panic, runs=%d", after.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRescheduleUnknownJob(t *testing.T) {
	s := New(discardLogger())
	if err := s.Reschedule("nope", time.Second); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}
