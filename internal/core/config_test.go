package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
twitch:
  client_id: "cid"
  client_secret: "secret"
  nickname: "watcher"
  irc_token: "oauth:tok"
  max_reconnects: 3
observer:
  sweep_interval: "30s"
matcher:
  workers: 2
sender:
  rate_per_sec: 10
logging:
  level: "debug"
  console: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestConfigLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Twitch.MaxReconnects != 3 {
		t.Fatalf("max_reconnects = %d", cfg.Twitch.MaxReconnects)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different snapshot")
	}
}

func TestConfigRejectsUnknownField(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML+"\nbogus: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestConfigRejectsMissingToken(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", `
telegram:
  token: ""
twitch:
  nickname: "watcher"
`))
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected validation error for empty token")
	}
}

func TestConfigRejectsBadDuration(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
twitch:
  nickname: "watcher"
observer:
  sweep_interval: "soon"
`))
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := parseDurationOrDefault("x", "", 42*time.Second)
	if err != nil || d != 42*time.Second {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	d, err = parseDurationOrDefault("x", "150ms", time.Second)
	if err != nil || d != 150*time.Millisecond {
		t.Fatalf("set: d=%v err=%v", d, err)
	}
	if _, err := parseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestConfigWatchPublishes(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := m.Subscribe(2)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, `level: "debug"`, `level: "info"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg == nil {
			t.Fatalf("nil config published")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published after rewrite")
	}

	cancel()
	<-watchDone
	m.Unsubscribe(sub)
}
