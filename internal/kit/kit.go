// Package kit holds the shared vocabulary between the messaging gateway
// adapter and the rest of the bot: incoming updates, send targets and the
// adapter contract itself.
package kit

import (
	"context"
	"fmt"
	"time"
)

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	FromBot      bool
}

type ChatTarget struct {
	ChatID int64
}

// LinkButton is rendered by the adapter as a single inline url button
// attached to the message.
type LinkButton struct {
	Text string
	URL  string
}

type SendOptions struct {
	DisablePreview      bool
	DisableNotification bool
	LinkButton          *LinkButton
}

// RateLimitError reports that the gateway rejected a send because of rate
// limiting. RetryAfter may be zero when the gateway did not say how long
// to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway rate limit exceeded (retry after %s)", e.RetryAfter)
}

// Adapter is the messaging gateway: it feeds incoming updates into a channel
// and sends outgoing text messages.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
