// Package sender delivers match results and administrative notices to users
// through the messaging gateway. Delivery is independent per recipient: one
// failed send never aborts the rest of a batch.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"streamwatch/internal/feedback"
	"streamwatch/internal/kit"
)

type Config struct {
	// RatePerSec caps outbound sends across all recipients.
	RatePerSec int
	// RetryInterval is the fixed wait between retries of a rate-limited
	// send. Retries are unbounded on purpose (reference behavior); the
	// gateway's own retry-after hint is honored when it is longer.
	RetryInterval time.Duration
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	log     *slog.Logger
}

func New(cfg Config, adapter kit.Adapter, log *slog.Logger) *Service {
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply updates the send rate and retry interval. Safe during hot-reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 350 * time.Millisecond
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SendMatched delivers one match batch: streamer name, offset from broadcast
// start, the chat line, and a link button to the broadcast.
func (s *Service) SendMatched(ctx context.Context, fb feedback.MatchedFeedback) error {
	text := fmt.Sprintf("%s +%s\r\n\r\n%s: %s",
		fb.Streamer, formatOffset(fb.Message.FromStart), fb.Message.Nickname, fb.Message.Text)

	opt := &kit.SendOptions{
		DisablePreview:      true,
		DisableNotification: true,
		LinkButton: &kit.LinkButton{
			Text: "Open " + fb.Streamer,
			URL:  "https://www.twitch.tv/" + fb.Streamer,
		},
	}
	return s.dispatch(ctx, fb.Recipients, text, opt)
}

// SendNotice delivers a plain-text notice to every listed recipient.
func (s *Service) SendNotice(ctx context.Context, n feedback.Notification) error {
	return s.dispatch(ctx, n.Recipients, n.Text, &kit.SendOptions{DisablePreview: true})
}

// dispatch fans the payload out to all recipients concurrently. Per-recipient
// failures are logged and swallowed; only context cancellation is reported.
func (s *Service) dispatch(ctx context.Context, recipients []feedback.Recipient, text string, opt *kit.SendOptions) error {
	var wg sync.WaitGroup
	for _, r := range recipients {
		wg.Add(1)
		go func(r feedback.Recipient) {
			defer wg.Done()
			if err := s.send(ctx, kit.ChatTarget{ChatID: r.ChatID}, text, opt); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				s.log.Warn("send failed", slog.String("user", r.Name), slog.Int64("chat_id", r.ChatID), slog.Any("err", err))
			}
		}(r)
	}
	wg.Wait()
	return ctx.Err()
}

// send issues one outbound request, retrying at a fixed interval for as long
// as the gateway keeps rate-limiting it. Every other error is permanent for
// this recipient.
func (s *Service) send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	for {
		s.mu.Lock()
		lim := s.limiter
		retry := s.cfg.RetryInterval
		s.mu.Unlock()

		if err := lim.Wait(ctx); err != nil {
			return err
		}

		err := s.adapter.SendText(ctx, to, text, opt)
		if err == nil {
			return nil
		}

		var rl *kit.RateLimitError
		if !errors.As(err, &rl) {
			return err
		}

		delay := retry
		if rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		s.log.Warn("api limit exceeded", slog.Int64("chat_id", to.ChatID), slog.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// formatOffset renders a duration as H:MM:SS, matching how the offset is
// shown to users.
func formatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	sec := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}
