// Package match evaluates chat messages against subscriber hook patterns.
//
// Evaluation is CPU-bound, so it runs on a bounded worker pool shared by all
// stream sessions: sessions hand feedback off through a queue and never block
// on the similarity computation itself.
package match

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"streamwatch/internal/feedback"
)

var ErrQueueFull = errors.New("match queue full")
var ErrStopped = errors.New("matcher stopped")

type Config struct {
	Workers   int // 0 => NumCPU
	QueueSize int
}

// Dispatcher receives the non-empty match results.
type Dispatcher interface {
	SendMatched(ctx context.Context, fb feedback.MatchedFeedback) error
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	log  *slog.Logger
	disp Dispatcher

	queue    chan feedback.StreamFeedback
	runCtx   context.Context
	workerWG sync.WaitGroup
}

func New(cfg Config, disp Dispatcher, log *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Service{cfg: cfg, disp: disp, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan feedback.StreamFeedback, s.cfg.QueueSize)
	s.runCtx = ctx

	queue := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fb, ok := <-queue:
					if !ok {
						return
					}
					s.evaluate(ctx, fb)
				}
			}
		}()
	}
	s.log.Info("matcher started", slog.Int("workers", s.cfg.Workers), slog.Int("queue_cap", s.cfg.QueueSize))
}

// Stop closes the queue and waits for workers to drain, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()
	if queue == nil {
		return
	}
	close(queue)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("matcher stop cancelled", slog.Any("err", ctx.Err()))
	}
}

// Match enqueues one feedback for evaluation without blocking the caller.
// When the queue is full the feedback is dropped and ErrQueueFull returned;
// a slow matcher must not stall chat ingestion. The enqueue happens under
// s.mu so it is ordered against Stop closing the queue: sessions may still
// call Match while the app is winding down.
func (s *Service) Match(ctx context.Context, fb feedback.StreamFeedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return ErrStopped
	}
	select {
	case s.queue <- fb:
		return nil
	default:
		s.log.Warn("match feedback dropped", slog.String("streamer", fb.Streamer))
		return ErrQueueFull
	}
}

// evaluate runs every subscriber's pattern against the message concurrently
// and dispatches the passing subset in subscriber order. A panicking
// evaluation is logged and counts as a non-match for that subscriber only.
func (s *Service) evaluate(ctx context.Context, fb feedback.StreamFeedback) {
	if len(fb.Subscribers) == 0 {
		return
	}

	passed := make([]bool, len(fb.Subscribers))
	var wg sync.WaitGroup
	for i, sub := range fb.Subscribers {
		wg.Add(1)
		go func(i int, sub feedback.Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("pattern evaluation panicked",
						slog.String("user", sub.Name),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
				}
			}()
			passed[i] = Similarity(fb.Message.Text, sub.Pattern) >= sub.Threshold
		}(i, sub)
	}
	wg.Wait()

	var recipients []feedback.Recipient
	for i, ok := range passed {
		if ok {
			recipients = append(recipients, fb.Subscribers[i].Recipient)
		}
	}
	if len(recipients) == 0 {
		return
	}

	matched := feedback.MatchedFeedback{
		Streamer:   fb.Streamer,
		Message:    fb.Message,
		Recipients: recipients,
	}
	if err := s.disp.SendMatched(ctx, matched); err != nil {
		s.log.Warn("matched feedback dispatch failed", slog.String("streamer", fb.Streamer), slog.Any("err", err))
	}
}

// Similarity is the ratio used for hook matching: a case-insensitive
// Sorensen-Dice coefficient over character bigrams, in [0, 1]. It is
// deterministic for a fixed input pair.
func Similarity(text, pattern string) float64 {
	sd := metrics.NewSorensenDice()
	sd.CaseSensitive = false
	return strutil.Similarity(text, pattern, sd)
}
