// Package streams implements the live-stream platform client: bulk
// liveness lookups for the poll loop and login resolution for the
// command surface.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"trackerbot/internal/tracker"
)

const (
	// chunkSize is the platform's maximum ids per bulk streams call.
	chunkSize = 100

	fetchAttempts = 3
)

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	Timeout time.Duration
}

// Client talks to the streaming platform's REST API with an app access
// token obtained via the client-credentials grant.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("streams client credentials are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twitch.tv/helix"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://id.twitch.tv/oauth2/token"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

func (c *Client) Service() string { return "streams" }
func (c *Client) ChunkSize() int  { return chunkSize }

func (c *Client) SourceURL(externalID, displayName string) string {
	login := strings.ToLower(displayName)
	if login == "" {
		login = externalID
	}
	return "https://twitch.tv/" + url.PathEscape(login)
}

type streamsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
		GameName    string `json:"game_name"`
		Type        string `json:"type"`
		Title       string `json:"title"`
		ViewerCount int    `json:"viewer_count"`
		StartedAt   string `json:"started_at"`
	} `json:"data"`
}

// FetchChunk resolves the live state for up to chunkSize user ids.
// Users absent from the response are offline.
func (c *Client) FetchChunk(ctx context.Context, ids []string) (map[string]tracker.StreamInfo, error) {
	q := url.Values{"first": {strconv.Itoa(chunkSize)}}
	for _, id := range ids {
		q.Add("user_id", id)
	}

	var resp streamsResponse
	if err := c.getJSON(ctx, "/streams", q, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]tracker.StreamInfo, len(resp.Data))
	for _, s := range resp.Data {
		if s.Type != "live" {
			continue
		}
		started, _ := time.Parse(time.RFC3339, s.StartedAt)
		out[s.UserID] = tracker.StreamInfo{
			SessionKey:  s.ID,
			Title:       s.Title,
			Category:    s.GameName,
			Viewers:     s.ViewerCount,
			StartedAt:   started,
			DisplayName: s.UserName,
		}
	}
	return out, nil
}

// User is a resolved platform account.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

type usersResponse struct {
	Data []User `json:"data"`
}

// UsersByLogin resolves login names to accounts. Unknown logins are
// simply absent from the result.
func (c *Client) UsersByLogin(ctx context.Context, logins []string) (map[string]User, error) {
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", strings.ToLower(l))
	}
	var resp usersResponse
	if err := c.getJSON(ctx, "/users", q, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]User, len(resp.Data))
	for _, u := range resp.Data {
		out[u.Login] = u
	}
	return out, nil
}

// getJSON performs an authenticated GET with a small inline retry for
// transient faults. Rate limits are not retried inline; the hint is
// surfaced so the caller's backoff can honor it.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return retry.Do(
		func() error { return c.getJSONOnce(ctx, path, q, out) },
		retry.Attempts(fetchAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("retrying platform call", slog.String("path", path), slog.Uint64("attempt", uint64(n)), slog.Any("err", err))
		}),
		retry.RetryIf(func(err error) bool {
			var rl *tracker.RateLimitError
			return !errors.As(err, &rl)
		}),
	)
}

func (c *Client) getJSONOnce(ctx context.Context, path string, q url.Values, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusUnauthorized:
		// Token expired early; drop it so the retry re-authenticates.
		c.invalidateToken(token)
		return &tracker.HTTPError{StatusCode: resp.StatusCode}
	case http.StatusTooManyRequests:
		return &tracker.RateLimitError{ResetAt: parseRateLimitReset(resp.Header, time.Now())}
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &tracker.HTTPError{StatusCode: resp.StatusCode}
	}
}

// parseRateLimitReset reads the platform's Ratelimit-Reset header
// (unix seconds). A missing or malformed header yields a short
// fallback so the caller still waits.
func parseRateLimitReset(h http.Header, now time.Time) time.Time {
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	return now.Add(10 * time.Second)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		t := c.token
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: %w", &tracker.HTTPError{StatusCode: resp.StatusCode})
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	c.mu.Lock()
	c.token = tr.AccessToken
	// Refresh a minute early to avoid racing the expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
	c.mu.Unlock()

	c.log.Debug("platform token refreshed", slog.Int("expires_in", tr.ExpiresIn))
	return tr.AccessToken, nil
}

func (c *Client) invalidateToken(stale string) {
	c.mu.Lock()
	if c.token == stale {
		c.token = ""
	}
	c.mu.Unlock()
}
