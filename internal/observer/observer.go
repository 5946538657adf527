// Package observer is the subscription registry: it owns all users and all
// active stream sessions, routes parsed commands into registry operations and
// runs the periodic liveness sweep.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamwatch/internal/command"
	"streamwatch/internal/feedback"
	"streamwatch/internal/kit"
	"streamwatch/internal/stream"
	"streamwatch/internal/twitchapi"
)

// ErrUpdatesClosed reports that the inbound update channel closed underneath
// the dispatch loop; the process cannot make progress without the gateway.
var ErrUpdatesClosed = errors.New("observer: gateway update channel closed")

type Config struct {
	Stream stream.Config
	// Workers bounds concurrent command handling.
	Workers int
}

// Directory resolves a streamer login to liveness and broadcast metadata.
type Directory interface {
	StreamInfo(ctx context.Context, streamer string) (twitchapi.StreamInfo, error)
}

// Sender delivers administrative notices.
type Sender interface {
	SendNotice(ctx context.Context, n feedback.Notification) error
}

// streamContext pairs a session with the handle to its ingestion task.
type streamContext struct {
	session *stream.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

type Observer struct {
	cfg       Config
	log       *slog.Logger
	directory Directory
	sender    Sender
	matcher   stream.Matcher

	mu       sync.Mutex
	users    map[string]*User
	sessions map[string]*streamContext
	baseCtx  context.Context
}

func New(cfg Config, directory Directory, sender Sender, matcher stream.Matcher, log *slog.Logger) *Observer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Observer{
		cfg:       cfg,
		log:       log,
		directory: directory,
		sender:    sender,
		matcher:   matcher,
		users:     map[string]*User{},
		sessions:  map[string]*streamContext{},
	}
}

// DispatchLoop consumes gateway updates with a small worker pool until the
// context is cancelled. A closed update channel is an infrastructure failure
// and escalates to the supervisor.
func (o *Observer) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	o.log.Info("command dispatcher started", slog.Int("workers", o.cfg.Workers))

	errCh := make(chan error, o.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case up, ok := <-updates:
					if !ok {
						errCh <- ErrUpdatesClosed
						return
					}
					o.handleUpdate(ctx, up)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// handleUpdate filters one gateway update down to a user command and
// dispatches it. Non-command text and bot senders are ignored.
func (o *Observer) handleUpdate(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil || m.FromBot {
		return
	}
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	user := o.getOrCreateUser(m.FromUsername, m.ChatID)

	cmd, err := command.Parse(text)
	if err != nil {
		o.log.Debug("command parse failed", slog.String("user", user.Name()), slog.Any("err", err))
		o.notify(ctx, user, err.Error())
		return
	}

	o.log.Info("handling command", slog.String("user", user.Name()), slog.Int("kind", int(cmd.Kind)))

	switch cmd.Kind {
	case command.KindStart:
		user.startMu.Lock()
		o.handleStart(ctx, user, cmd.Streamer, cmd.HookName)
		user.startMu.Unlock()
	case command.KindStop:
		o.handleStop(ctx, user, cmd.Streamer)
	case command.KindStopAll:
		o.handleStopAll(ctx, user)
	case command.KindHook:
		o.handleHook(ctx, user, cmd.HookName, cmd.HookText)
	case command.KindHooks:
		o.handleHooks(ctx, user)
	case command.KindThreshold:
		user.SetThreshold(cmd.Threshold)
		o.notify(ctx, user, fmt.Sprintf("You set new threshold %v", cmd.Threshold))
	case command.KindHelp:
		o.notify(ctx, user, command.HelpText)
	}
}

func (o *Observer) getOrCreateUser(name string, chatID int64) *User {
	if name == "" {
		name = strconv.FormatInt(chatID, 10)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	u, ok := o.users[name]
	if !ok {
		u = newUser(name, chatID)
		o.users[name] = u
		o.log.Info("new user registered", slog.String("user", name))
	}
	return u
}

// notify sends a short notice to one user without blocking the command path.
func (o *Observer) notify(ctx context.Context, u *User, text string) {
	n := feedback.Notification{
		Recipients: []feedback.Recipient{{Name: u.Name(), ChatID: u.ChatID()}},
		Text:       text,
	}
	go func() { _ = o.sender.SendNotice(ctx, n) }()
}

func (o *Observer) handleStart(ctx context.Context, user *User, streamer, hookName string) {
	if user.HasStream(streamer) {
		o.notify(ctx, user, fmt.Sprintf("Streamer %s already tracked", streamer))
		return
	}
	if _, ok := user.HookPattern(hookName); !ok {
		o.notify(ctx, user, fmt.Sprintf("Hook %s not found", hookName))
		return
	}

	info, err := o.directory.StreamInfo(ctx, streamer)
	if errors.Is(err, twitchapi.ErrStreamNotFound) {
		o.notify(ctx, user, fmt.Sprintf("Stream %s not exists or offline", streamer))
		return
	}
	if err != nil {
		o.log.Error("stream lookup failed", slog.String("streamer", streamer), slog.Any("err", err))
		o.notify(ctx, user, fmt.Sprintf("Stream %s lookup failed, try again later", streamer))
		return
	}

	o.register(user, hookName, streamer, info.StartedAt)

	o.notify(ctx, user, fmt.Sprintf("Now tracking %s\nstarted at: %s\ntitle: %s",
		info.UserName, info.StartedAt.Format(time.RFC1123), info.Title))
}

// register looks up or creates the session for streamer and records both
// sides of the subscription. All of it happens under o.mu so a concurrent
// teardown either runs before (a fresh session is created here) or after
// (UnsubscribeAll clears both sides); it can never observe a user holding a
// stream the registry has no session for.
func (o *Observer) register(user *User, hookName, streamer string, startedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sc, ok := o.sessions[streamer]
	if !ok {
		sess := stream.New(o.cfg.Stream, streamer, startedAt, o.matcher, o.sender,
			o.log.With(slog.String("comp", "stream"), slog.String("streamer", streamer)))

		base := o.baseCtx
		if base == nil {
			base = context.Background()
		}
		sctx, cancel := context.WithCancel(base)
		sc = &streamContext{session: sess, cancel: cancel, done: make(chan struct{})}
		o.sessions[streamer] = sc

		go o.runSession(sctx, sc)
		o.log.Info("stream session started", slog.String("streamer", streamer))
	}

	sc.session.Subscribe(user, hookName)
	user.AddStream(streamer)
}

// runSession drives one ingestion task. Reconnect exhaustion is session-fatal:
// the session is torn down and its subscribers notified, without affecting
// other sessions.
func (o *Observer) runSession(ctx context.Context, sc *streamContext) {
	defer close(sc.done)
	err := sc.session.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	o.log.Error("stream session failed", slog.String("streamer", sc.session.Name()), slog.Any("err", err))
	o.removeSession(o.base(), sc.session.Name(), true)
}

func (o *Observer) base() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseCtx != nil {
		return o.baseCtx
	}
	return context.Background()
}

func (o *Observer) handleStop(ctx context.Context, user *User, streamer string) {
	o.mu.Lock()
	sc, ok := o.sessions[streamer]
	if !ok || !user.HasStream(streamer) {
		o.mu.Unlock()
		o.notify(ctx, user, fmt.Sprintf("You are not tracking %s", streamer))
		return
	}
	o.dropSubscriberLocked(sc, streamer, user)
	o.mu.Unlock()

	o.notify(ctx, user, fmt.Sprintf("Stop tracking %s", streamer))
}

// dropSubscriberLocked removes the user from the session and the session from
// the user, and tears the session down when its subscriber set became empty.
// Caller holds o.mu.
func (o *Observer) dropSubscriberLocked(sc *streamContext, streamer string, user *User) {
	sc.session.Unsubscribe(user.Name())
	user.ForgetStream(streamer)
	if !sc.session.HasSubscribers() {
		delete(o.sessions, streamer)
		sc.cancel()
		o.log.Info("stream session stopped (no subscribers)", slog.String("streamer", streamer))
	}
}

func (o *Observer) handleStopAll(ctx context.Context, user *User) {
	streamers := user.Streamers()
	sort.Strings(streamers)

	o.mu.Lock()
	for _, streamer := range streamers {
		sc, ok := o.sessions[streamer]
		if !ok {
			user.ForgetStream(streamer)
			continue
		}
		o.dropSubscriberLocked(sc, streamer, user)
	}
	o.mu.Unlock()

	if len(streamers) == 0 {
		o.notify(ctx, user, "You are not tracking anyone")
		return
	}
	o.notify(ctx, user, "Stop tracking "+strings.Join(streamers, " "))
}

func (o *Observer) handleHook(ctx context.Context, user *User, name, text string) {
	if user.SetHook(name, text) {
		o.notify(ctx, user, fmt.Sprintf("Replace hook %s: %s", name, text))
	} else {
		o.notify(ctx, user, fmt.Sprintf("Set new hook %s: %s", name, text))
	}
}

func (o *Observer) handleHooks(ctx context.Context, user *User) {
	hooks := user.Hooks()
	if len(hooks) == 0 {
		o.notify(ctx, user, "Empty hooks list")
		return
	}
	names := make([]string, 0, len(hooks))
	for name := range hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+": "+hooks[name])
	}
	o.notify(ctx, user, strings.Join(lines, "\r\n"))
}

// Sweep re-checks liveness of every active session against the directory and
// tears down sessions whose broadcast ended. Lookup failures other than
// not-found are logged and skipped; the sweep is best-effort.
func (o *Observer) Sweep(ctx context.Context) error {
	o.mu.Lock()
	names := make([]string, 0, len(o.sessions))
	for name := range o.sessions {
		names = append(names, name)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := o.directory.StreamInfo(ctx, name)
			switch {
			case errors.Is(err, twitchapi.ErrStreamNotFound):
				o.log.Info("stream ended, tearing down session", slog.String("streamer", name))
				o.removeSession(ctx, name, true)
			case err != nil:
				o.log.Warn("liveness check failed", slog.String("streamer", name), slog.Any("err", err))
			}
		}(name)
	}
	wg.Wait()
	return nil
}

// removeSession tears one session down: cancel its ingestion task, clear both
// sides of every subscription and optionally notify subscribers of closure.
// Removing an already-removed session is a no-op, so the sweep and a
// session's own failure path may race safely.
func (o *Observer) removeSession(ctx context.Context, streamer string, notify bool) {
	o.mu.Lock()
	sc, ok := o.sessions[streamer]
	if ok {
		delete(o.sessions, streamer)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	sc.cancel()
	sc.session.UnsubscribeAll(ctx, notify)
}

// Shutdown cancels every session task and waits for them, bounded by ctx.
func (o *Observer) Shutdown(ctx context.Context) {
	o.mu.Lock()
	scs := make([]*streamContext, 0, len(o.sessions))
	for name, sc := range o.sessions {
		delete(o.sessions, name)
		scs = append(scs, sc)
	}
	o.mu.Unlock()

	for _, sc := range scs {
		sc.cancel()
	}
	for _, sc := range scs {
		select {
		case <-sc.done:
		case <-ctx.Done():
			o.log.Warn("session shutdown cancelled", slog.Any("err", ctx.Err()))
			return
		}
	}
}

// SessionCount reports the number of active sessions.
func (o *Observer) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}
