// Package stream owns one live ingestion connection per tracked broadcaster:
// the IRC-over-websocket transport, the reconnect state machine and the
// session's subscriber set.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"streamwatch/internal/feedback"
)

// ErrReconnectsExhausted is returned by Run when the session has used up its
// reconnect budget. The session is terminal after that.
var ErrReconnectsExhausted = errors.New("stream: reconnect budget exhausted")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateReceiving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReceiving:
		return "receiving"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Config struct {
	// URL is the chat websocket endpoint.
	URL      string
	Nickname string
	Token    string
	// MaxReconnects is the total connection budget; handshake and receive
	// failures both count against it.
	MaxReconnects int
}

// Matcher receives every parsed chat message with the subscriber snapshot.
type Matcher interface {
	Match(ctx context.Context, fb feedback.StreamFeedback) error
}

// NoticeSink receives the closure notice on unsubscribe-all.
type NoticeSink interface {
	SendNotice(ctx context.Context, n feedback.Notification) error
}

// Subscriber is the session's view of a user. The pattern is resolved through
// HookPattern at snapshot time, so hook replacements change future matching.
// ForgetStream removes this session from the user's tracked set; the session
// never touches registry state beyond that.
type Subscriber interface {
	Name() string
	ChatID() int64
	HookPattern(name string) (string, bool)
	Threshold() float64
	ForgetStream(streamer string)
}

type subscription struct {
	user     Subscriber
	hookName string
}

type Session struct {
	name      string
	startedAt time.Time
	cfg       Config
	log       *slog.Logger
	matcher   Matcher
	notices   NoticeSink

	state atomic.Int32

	mu    sync.Mutex
	subs  map[string]subscription
	order []string // insertion order of subscriber names

	wmu sync.Mutex // serializes websocket writes (PONG vs PART)
}

func New(cfg Config, name string, startedAt time.Time, matcher Matcher, notices NoticeSink, log *slog.Logger) *Session {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.URL == "" {
		cfg.URL = "wss://irc-ws.chat.twitch.tv:443"
	}
	return &Session{
		name:      name,
		startedAt: startedAt,
		cfg:       cfg,
		log:       log,
		matcher:   matcher,
		notices:   notices,
		subs:      map[string]subscription{},
	}
}

func (s *Session) Name() string { return s.name }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Subscribe registers or replaces the user's subscription on this session.
func (s *Session) Subscribe(user Subscriber, hookName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := user.Name()
	if _, ok := s.subs[name]; !ok {
		s.order = append(s.order, name)
	}
	s.subs[name] = subscription{user: user, hookName: hookName}
}

func (s *Session) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[name]; !ok {
		return
	}
	delete(s.subs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) HasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

// UnsubscribeAll clears the subscriber set, removes this session from every
// subscriber's tracked set and, when notify is set, sends one batched closure
// notice. The notice is fire-and-forget so teardown never blocks on delivery.
func (s *Session) UnsubscribeAll(ctx context.Context, notify bool) {
	s.mu.Lock()
	users := make([]Subscriber, 0, len(s.subs))
	for _, name := range s.order {
		users = append(users, s.subs[name].user)
	}
	s.subs = map[string]subscription{}
	s.order = nil
	s.mu.Unlock()

	recipients := make([]feedback.Recipient, 0, len(users))
	for _, u := range users {
		u.ForgetStream(s.name)
		recipients = append(recipients, feedback.Recipient{Name: u.Name(), ChatID: u.ChatID()})
	}

	if notify && len(recipients) > 0 {
		n := feedback.Notification{Recipients: recipients, Text: s.name + " stream closed"}
		go func() { _ = s.notices.SendNotice(ctx, n) }()
	}
}

// snapshot copies the subscriber set with patterns resolved, so the match
// pipeline never reads live registry state.
func (s *Session) snapshot() []feedback.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]feedback.Subscriber, 0, len(s.subs))
	for _, name := range s.order {
		sub := s.subs[name]
		pattern, ok := sub.user.HookPattern(sub.hookName)
		if !ok {
			continue
		}
		out = append(out, feedback.Subscriber{
			Recipient: feedback.Recipient{Name: sub.user.Name(), ChatID: sub.user.ChatID()},
			Pattern:   pattern,
			Threshold: sub.user.Threshold(),
		})
	}
	return out
}

// Run drives the connect/join/receive loop until the context is cancelled or
// the reconnect budget runs out.
func (s *Session) Run(ctx context.Context) error {
	for attempts := s.cfg.MaxReconnects; attempts > 0; attempts-- {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}
		s.runOnce(ctx)
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}
		if attempts > 1 {
			s.log.Warn("connection lost, reconnecting", slog.Int("attempts_left", attempts-1))
		}
	}
	s.setState(StateFailed)
	return ErrReconnectsExhausted
}

// runOnce performs one connect/join/receive cycle and returns when the
// transport fails or the context is cancelled. The channel is parted on every
// exit path while the transport is still usable.
func (s *Session) runOnce(ctx context.Context) {
	s.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("handshake failed", slog.Any("err", err))
		}
		s.setState(StateDisconnected)
		return
	}

	var leaveOnce sync.Once
	leave := func() {
		leaveOnce.Do(func() {
			if err := s.write(conn, "PART #"+s.name); err == nil {
				s.log.Info("left channel")
			}
		})
	}

	recvDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the reader; part first while the socket is open.
			leave()
			_ = conn.Close()
		case <-recvDone:
		}
	}()
	defer func() {
		close(recvDone)
		leave()
		_ = conn.Close()
		s.setState(StateDisconnected)
	}()

	if err := s.join(conn); err != nil {
		if ctx.Err() == nil {
			s.log.Warn("join failed", slog.Any("err", err))
		}
		return
	}

	s.setState(StateReceiving)
	s.receive(ctx, conn)
}

// join sends the three control lines that authenticate, identify and enter
// the channel.
func (s *Session) join(conn *websocket.Conn) error {
	for _, line := range []string{
		"PASS " + s.cfg.Token,
		"NICK " + s.cfg.Nickname,
		"JOIN #" + s.name,
	} {
		if err := s.write(conn, line); err != nil {
			return err
		}
	}
	s.setState(StateJoined)
	return nil
}

func (s *Session) write(conn *websocket.Conn, line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (s *Session) receive(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("read failed", slog.Any("err", err))
			}
			return
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			s.handleLine(ctx, conn, line)
		}
	}
}

func (s *Session) handleLine(ctx context.Context, conn *websocket.Conn, line string) {
	if strings.HasPrefix(line, "PING") {
		s.log.Debug("ping received")
		if err := s.write(conn, "PONG :tmi.twitch.tv"); err != nil {
			s.log.Debug("pong failed", slog.Any("err", err))
		}
		return
	}

	msg, ok := parseChatLine(line, s.startedAt, time.Now())
	if !ok {
		s.log.Debug("not a chat line", slog.String("line", line))
		return
	}

	subs := s.snapshot()
	if len(subs) == 0 {
		return
	}
	fb := feedback.StreamFeedback{Streamer: s.name, Message: msg, Subscribers: subs}
	if err := s.matcher.Match(ctx, fb); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("match hand-off failed", slog.Any("err", err))
	}
}
