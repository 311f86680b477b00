// Package tracker implements the generic feed-tracking engine: poll
// scheduling, chunked batch fetching, live-session diffing, and
// notification dispatch. Service specifics (which API to call, how to
// parse it) live behind the adapter interfaces in this file.
package tracker

import (
	"context"
	"fmt"
	"time"

	"trackerbot/internal/storage"
	"trackerbot/internal/transport"
)

// Status classifies one source's outcome within a fetch cycle.
type Status int

const (
	// StatusFound: the source is currently live.
	StatusFound Status = iota
	// StatusNotFound: the source was queried successfully and is not live.
	StatusNotFound
	// StatusTransient: the query failed; liveness is unknown. A
	// transient result never ends an active session.
	StatusTransient
)

// StreamInfo is the normalized live-state snapshot a stream adapter
// returns for a source that is currently live.
type StreamInfo struct {
	// SessionKey identifies one continuous broadcast. A changed key
	// for the same source means the broadcast restarted.
	SessionKey string

	Title    string
	Category string
	Viewers  int

	StartedAt time.Time

	// DisplayName is the source's current public name, used to refresh
	// the stored name when the platform reports a change.
	DisplayName string
}

// Result pairs one requested external id with its cycle outcome.
type Result struct {
	ExternalID string
	Status     Status
	Stream     StreamInfo
	Err        error
}

// StreamAdapter is the per-platform client for live-stream services.
type StreamAdapter interface {
	// Service names the platform; it keys tracked_source rows and
	// per-chat feature flags.
	Service() string

	// ChunkSize is the platform's maximum ids per bulk lookup.
	ChunkSize() int

	// FetchChunk resolves the live state for up to ChunkSize ids.
	// Ids absent from the returned map are offline. An error applies
	// to the whole chunk.
	FetchChunk(ctx context.Context, ids []string) (map[string]StreamInfo, error)

	// SourceURL builds the public page URL for a source.
	SourceURL(externalID, displayName string) string
}

// Post is one feed item from a post-based service.
type Post struct {
	ID     int64
	At     time.Time
	Author string
	Text   string
	URL    string
}

// PostAdapter is the per-platform client for post-feed services.
type PostAdapter interface {
	Service() string
	FetchPosts(ctx context.Context, externalID string) ([]Post, error)
	SourceURL(externalID, displayName string) string
}

// Store is the persistence surface the engine needs. Implemented by
// the sqlite store; tests substitute an in-memory fake.
type Store interface {
	ListSources(ctx context.Context, service string) ([]storage.Source, error)
	DeleteSource(ctx context.Context, id int64) error
	UpdateSourceName(ctx context.Context, id int64, displayName string) error
	SetPostBound(ctx context.Context, id int64, postID int64, at time.Time) error

	DestinationsFor(ctx context.Context, sourceID int64) ([]storage.Destination, error)
	DeleteDestination(ctx context.Context, id int64) error
	SetLastMention(ctx context.Context, destinationID int64, at time.Time) error

	SessionFor(ctx context.Context, sourceID int64) (storage.Session, bool, error)
	EnterSession(ctx context.Context, s storage.Session) (storage.Session, error)
	UpdateSessionStats(ctx context.Context, id int64, viewers int, title, category string) error
	CompleteSession(ctx context.Context, id int64) error

	OpenLedger(ctx context.Context, destinationID, sessionID int64, ref transport.MessageRef) error
	LedgerEntry(ctx context.Context, destinationID, sessionID int64) (storage.LedgerEntry, bool, error)
	LedgerForSession(ctx context.Context, sessionID int64) ([]storage.LedgerEntry, error)
	MarkLedgerDeleted(ctx context.Context, id int64) error

	FeatureEnabled(ctx context.Context, chatID int64, service string) (bool, error)
}

// RateLimitError is returned by adapters when the platform rejects a
// call with an explicit retry hint.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// HTTPError is a non-2xx platform response without a rate-limit hint.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
