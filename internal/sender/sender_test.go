package sender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"streamwatch/internal/feedback"
	"streamwatch/internal/kit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAdapter scripts per-chat send outcomes. A nil error list means every
// send succeeds.
type fakeAdapter struct {
	mu      sync.Mutex
	errs    map[int64][]error
	sent    []sentMsg
	lastOpt *kit.SendOptions
}

type sentMsg struct {
	chatID int64
	text   string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastOpt = opt
	if queue := a.errs[to.ChatID]; len(queue) > 0 {
		err := queue[0]
		a.errs[to.ChatID] = queue[1:]
		if err != nil {
			return err
		}
	}
	a.sent = append(a.sent, sentMsg{chatID: to.ChatID, text: text})
	return nil
}

func (a *fakeAdapter) sentTo(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.sent {
		if m.chatID == chatID {
			n++
		}
	}
	return n
}

func newService(a *fakeAdapter) *Service {
	return New(Config{RatePerSec: 1000, RetryInterval: 5 * time.Millisecond}, a, discardLogger())
}

func TestRateLimitedSendRetries(t *testing.T) {
	a := &fakeAdapter{errs: map[int64][]error{
		1: {&kit.RateLimitError{}, &kit.RateLimitError{}, nil},
	}}
	s := newService(a)

	err := s.SendNotice(context.Background(), feedback.Notification{
		Recipients: []feedback.Recipient{{Name: "u", ChatID: 1}},
		Text:       "hi",
	})
	if err != nil {
		t.Fatalf("SendNotice: %v", err)
	}
	if got := a.sentTo(1); got != 1 {
		t.Fatalf("delivered %d messages, want 1", got)
	}
}

func TestPermanentFailureIsolated(t *testing.T) {
	forbidden := errors.New("telegram: forbidden (403)")
	a := &fakeAdapter{errs: map[int64][]error{
		2: {forbidden},
	}}
	s := newService(a)

	err := s.SendNotice(context.Background(), feedback.Notification{
		Recipients: []feedback.Recipient{
			{Name: "a", ChatID: 1},
			{Name: "b", ChatID: 2},
			{Name: "c", ChatID: 3},
		},
		Text: "hi",
	})
	if err != nil {
		t.Fatalf("SendNotice: %v", err)
	}
	if a.sentTo(1) != 1 || a.sentTo(3) != 1 {
		t.Fatalf("siblings not delivered: %+v", a.sent)
	}
	if a.sentTo(2) != 0 {
		t.Fatalf("failed recipient should not be delivered")
	}
}

func TestSendMatchedPayload(t *testing.T) {
	a := &fakeAdapter{}
	s := newService(a)

	fb := feedback.MatchedFeedback{
		Streamer: "foo",
		Message: feedback.ChatMessage{
			Nickname:  "nick",
			Text:      "GIVEAWAY incoming!!",
			FromStart: 90 * time.Minute,
		},
		Recipients: []feedback.Recipient{{Name: "a", ChatID: 1}},
	}
	if err := s.SendMatched(context.Background(), fb); err != nil {
		t.Fatalf("SendMatched: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(a.sent))
	}
	want := "foo +1:30:00\r\n\r\nnick: GIVEAWAY incoming!!"
	if a.sent[0].text != want {
		t.Fatalf("payload = %q, want %q", a.sent[0].text, want)
	}
	if a.lastOpt == nil || a.lastOpt.LinkButton == nil {
		t.Fatalf("expected link button on matched send")
	}
	if a.lastOpt.LinkButton.URL != "https://www.twitch.tv/foo" {
		t.Fatalf("link url = %q", a.lastOpt.LinkButton.URL)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	a := &fakeAdapter{errs: map[int64][]error{
		1: {&kit.RateLimitError{RetryAfter: 30 * time.Millisecond}, nil},
	}}
	s := newService(a)

	start := time.Now()
	err := s.SendNotice(context.Background(), feedback.Notification{
		Recipients: []feedback.Recipient{{Name: "u", ChatID: 1}},
		Text:       "hi",
	})
	if err != nil {
		t.Fatalf("SendNotice: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retry waited only %v, want >= 30ms", elapsed)
	}
}

func TestCancelledContextStopsRetry(t *testing.T) {
	a := &fakeAdapter{errs: map[int64][]error{
		1: {&kit.RateLimitError{RetryAfter: time.Hour}},
	}}
	s := newService(a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.SendNotice(ctx, feedback.Notification{
		Recipients: []feedback.Recipient{{Name: "u", ChatID: 1}},
		Text:       "hi",
	})
	if err == nil {
		t.Fatalf("expected context error")
	}
}
