package observer

import "sync"

const defaultThreshold = 0.5

// User is one chat identity. Users are created on first contact and live for
// the process lifetime. startMu serializes that user's own Start operations
// so concurrent /start commands cannot race; everything else is guarded by mu.
type User struct {
	name   string
	chatID int64

	startMu sync.Mutex

	mu        sync.RWMutex
	hooks     map[string]string
	streamers map[string]struct{}
	threshold float64
}

func newUser(name string, chatID int64) *User {
	return &User{
		name:      name,
		chatID:    chatID,
		hooks:     map[string]string{},
		streamers: map[string]struct{}{},
		threshold: defaultThreshold,
	}
}

func (u *User) Name() string  { return u.name }
func (u *User) ChatID() int64 { return u.chatID }

func (u *User) HookPattern(name string) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	p, ok := u.hooks[name]
	return p, ok
}

// SetHook upserts a pattern and reports whether it replaced an existing one.
func (u *User) SetHook(name, pattern string) (replaced bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, replaced = u.hooks[name]
	u.hooks[name] = pattern
	return replaced
}

// Hooks returns a copy of the hook table.
func (u *User) Hooks() map[string]string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]string, len(u.hooks))
	for k, v := range u.hooks {
		out[k] = v
	}
	return out
}

func (u *User) Threshold() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.threshold
}

func (u *User) SetThreshold(v float64) {
	u.mu.Lock()
	u.threshold = v
	u.mu.Unlock()
}

func (u *User) HasStream(streamer string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.streamers[streamer]
	return ok
}

func (u *User) AddStream(streamer string) {
	u.mu.Lock()
	u.streamers[streamer] = struct{}{}
	u.mu.Unlock()
}

func (u *User) ForgetStream(streamer string) {
	u.mu.Lock()
	delete(u.streamers, streamer)
	u.mu.Unlock()
}

// Streamers returns a copy of the tracked streamer names.
func (u *User) Streamers() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.streamers))
	for s := range u.streamers {
		out = append(out, s)
	}
	return out
}
