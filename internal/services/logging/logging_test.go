package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, slog.LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDerivedLoggerFollowsSwap(t *testing.T) {
	var buf bytes.Buffer
	ah := NewAtomicHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log := slog.New(ah).With(slog.String("comp", "test"))

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record passed info-level handler: %q", buf.String())
	}

	ah.Swap(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.Debug("visible")
	out := buf.String()
	if !strings.Contains(out, "visible") {
		t.Fatalf("derived logger did not follow swapped handler: %q", out)
	}
	if !strings.Contains(out, "comp=test") {
		t.Fatalf("derived attrs lost after swap: %q", out)
	}
}

func TestFanoutDuplicatesRecords(t *testing.T) {
	var a, b bytes.Buffer
	h := Fanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("fanout disabled at info")
	}
	slog.New(h).Info("hello", slog.String("k", "v"))
	for name, out := range map[string]string{"a": a.String(), "b": b.String()} {
		if !strings.Contains(out, "hello") || !strings.Contains(out, "k=v") {
			t.Fatalf("sink %s missing record: %q", name, out)
		}
	}
}
