package stream

import (
	"testing"
	"time"
)

func TestParseChatLine(t *testing.T) {
	startedAt := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	now := startedAt.Add(90 * time.Minute)

	msg, ok := parseChatLine(":nick!u@h PRIVMSG #chan :hello world", startedAt, now)
	if !ok {
		t.Fatalf("expected a chat message")
	}
	if msg.Nickname != "nick" {
		t.Fatalf("nickname = %q, want %q", msg.Nickname, "nick")
	}
	if msg.Text != "hello world" {
		t.Fatalf("text = %q, want %q", msg.Text, "hello world")
	}
	if msg.FromStart != 90*time.Minute {
		t.Fatalf("from_start = %v, want %v", msg.FromStart, 90*time.Minute)
	}
}

func TestParseChatLineRejects(t *testing.T) {
	startedAt := time.Now()
	cases := []string{
		"",
		"PING :tmi.twitch.tv",
		":nick!u@h PRIVMSG #chan",     // only 3 tokens
		":nick!u@h NOTICE #chan :msg", // wrong message type
		":tmi.twitch.tv 001 justinfan123 :Welcome", // numeric
	}
	for _, line := range cases {
		if _, ok := parseChatLine(line, startedAt, time.Now()); ok {
			t.Fatalf("line %q should not parse as chat", line)
		}
	}
}

func TestParseChatLinePrefixWithoutBang(t *testing.T) {
	msg, ok := parseChatLine(":server PRIVMSG #chan :text", time.Now(), time.Now())
	if !ok {
		t.Fatalf("expected a chat message")
	}
	if msg.Nickname != "server" {
		t.Fatalf("nickname = %q, want %q", msg.Nickname, "server")
	}
}
