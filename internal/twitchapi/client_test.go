package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, streams string, tokenCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		fmt.Fprint(w, `{"access_token":"tok123","expires_in":3600,"token_type":"bearer"}`)
	})
	mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("missing bearer token, got %q", got)
		}
		fmt.Fprint(w, streams)
	})
	return httptest.NewServer(mux)
}

func TestStreamInfoLive(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := newTestServer(t, `{"data":[{"user_name":"Foo","title":"speedrun","started_at":"2026-08-29T10:00:00Z"}]}`, &tokenCalls)
	defer srv.Close()

	c := New(Config{ClientID: "id", ClientSecret: "sec", APIURL: srv.URL, OAuthURL: srv.URL + "/oauth2/token"}, discardLogger())

	info, err := c.StreamInfo(context.Background(), "foo")
	if err != nil {
		t.Fatalf("StreamInfo: %v", err)
	}
	if info.UserName != "Foo" || info.Title != "speedrun" {
		t.Fatalf("unexpected info: %+v", info)
	}
	want := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if !info.StartedAt.Equal(want) {
		t.Fatalf("started_at = %v, want %v", info.StartedAt, want)
	}

	// Second lookup reuses the cached token.
	if _, err := c.StreamInfo(context.Background(), "foo"); err != nil {
		t.Fatalf("StreamInfo: %v", err)
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token requested %d times, want 1", n)
	}
}

func TestStreamInfoOffline(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := newTestServer(t, `{"data":[]}`, &tokenCalls)
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, OAuthURL: srv.URL + "/oauth2/token"}, discardLogger())

	_, err := c.StreamInfo(context.Background(), "gone")
	if !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("err = %v, want ErrStreamNotFound", err)
	}
}

func TestTokenRefreshBadType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600,"token_type":"mac"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, OAuthURL: srv.URL + "/oauth2/token"}, discardLogger())
	if _, err := c.StreamInfo(context.Background(), "foo"); err == nil {
		t.Fatalf("expected error for non-bearer token type")
	}
}
