package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"trackerbot/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, streams http.HandlerFunc) (*Client, *httptest.Server, *atomic.Int64) {
	t.Helper()
	var tokenCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/streams", streams)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "id",
		ClientSecret: "secret",
	}, discardLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv, &tokenCalls
}

func TestFetchChunkParsesLiveStreams(t *testing.T) {
	c, _, tokenCalls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		if got := r.URL.Query()["user_id"]; len(got) != 2 {
			t.Errorf("user_id params = %v", got)
		}
		fmt.Fprint(w, `{"data":[
			{"id":"sess9","user_id":"111","user_name":"Caster","game_name":"Chess","type":"live","title":"opening prep","viewer_count":42,"started_at":"2026-08-28T10:00:00Z"},
			{"id":"vod1","user_id":"222","user_name":"Other","type":"rerun","title":"old","viewer_count":5,"started_at":"2026-08-28T09:00:00Z"}
		]}`)
	})

	got, err := c.FetchChunk(context.Background(), []string{"111", "222"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// Only type=live counts; the rerun user reads as offline.
	if len(got) != 1 {
		t.Fatalf("got %d live, want 1", len(got))
	}
	info := got["111"]
	if info.SessionKey != "sess9" || info.Category != "Chess" || info.Viewers != 42 || info.DisplayName != "Caster" {
		t.Fatalf("info = %+v", info)
	}
	if info.StartedAt.IsZero() {
		t.Fatal("started_at not parsed")
	}

	// Second call reuses the cached token.
	if _, err := c.FetchChunk(context.Background(), []string{"111"}); err != nil {
		t.Fatalf("fetch 2: %v", err)
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token endpoint called %d times, want 1", n)
	}
}

func TestFetchChunkRateLimitNotRetriedInline(t *testing.T) {
	var calls atomic.Int64
	reset := time.Now().Add(30 * time.Second).Unix()
	c, _, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.FetchChunk(context.Background(), []string{"111"})
	var rl *tracker.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.ResetAt.Unix() != reset {
		t.Fatalf("reset = %v, want %v", rl.ResetAt.Unix(), reset)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("endpoint called %d times, want 1 (no inline retry on 429)", n)
	}
}

func TestFetchChunkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	c, _, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})

	got, err := c.FetchChunk(context.Background(), []string{"111"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d live, want 0", len(got))
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("endpoint called %d times, want 3", n)
	}
}

func TestExpiredTokenReacquired(t *testing.T) {
	var calls atomic.Int64
	c, _, tokenCalls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})

	if _, err := c.FetchChunk(context.Background(), []string{"111"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Fatalf("token endpoint called %d times, want 2 (reauth after 401)", n)
	}
}

func TestUsersByLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["login"]; len(got) != 2 || got[0] != "caster" {
			t.Errorf("login params = %v", got)
		}
		fmt.Fprint(w, `{"data":[{"id":"111","login":"caster","display_name":"Caster"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, TokenURL: srv.URL + "/token", ClientID: "i", ClientSecret: "s"}, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := c.UsersByLogin(context.Background(), []string{"Caster", "ghost"})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(got) != 1 || got["caster"].ID != "111" {
		t.Fatalf("got = %+v", got)
	}
}
