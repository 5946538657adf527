// Package twitchapi is the stream directory client: it resolves a streamer
// login to liveness and broadcast metadata through the Helix API and manages
// the app access token transparently.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrStreamNotFound reports that the requested stream does not exist or is
// offline right now.
var ErrStreamNotFound = errors.New("stream not found or offline")

// refreshMargin is how close to expiry the token may get before it is
// refreshed on the next lookup.
const refreshMargin = 100 * time.Second

type Config struct {
	ClientID     string
	ClientSecret string
	// APIURL and OAuthURL override the Helix endpoints (tests); empty means
	// the production endpoints.
	APIURL   string
	OAuthURL string
}

// StreamInfo describes one live broadcast.
type StreamInfo struct {
	UserName  string
	StartedAt time.Time
	Title     string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.twitch.tv/helix"
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = "https://id.twitch.tv/oauth2/token"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

// StreamInfo resolves one streamer login. It returns ErrStreamNotFound when
// the stream is unknown or offline; any other error means the lookup itself
// failed.
func (c *Client) StreamInfo(ctx context.Context, streamer string) (StreamInfo, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return StreamInfo{}, err
	}

	u := c.cfg.APIURL + "/streams?" + url.Values{"user_login": {streamer}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return StreamInfo{}, err
	}
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("streams lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StreamInfo{}, fmt.Errorf("streams lookup: status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			UserName  string `json:"user_name"`
			Title     string `json:"title"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StreamInfo{}, fmt.Errorf("streams lookup: decode: %w", err)
	}
	if len(body.Data) == 0 {
		return StreamInfo{}, ErrStreamNotFound
	}

	info := body.Data[0]
	startedAt, err := time.Parse(time.RFC3339, info.StartedAt)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("streams lookup: started_at %q: %w", info.StartedAt, err)
	}
	return StreamInfo{UserName: info.UserName, StartedAt: startedAt, Title: info.Title}, nil
}

// accessToken returns a valid app access token, refreshing it when it is
// missing or within the expiry margin. Refreshes are serialized so a burst
// of lookups performs at most one token request.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.expiresAt) > refreshMargin {
		return c.token, nil
	}

	params := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token refresh: decode: %w", err)
	}
	if body.TokenType != "bearer" {
		return "", fmt.Errorf("token refresh: bad token type %q", body.TokenType)
	}

	c.token = body.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	c.log.Info("app access token refreshed", slog.Time("expires_at", c.expiresAt))
	return c.token, nil
}
