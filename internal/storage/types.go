package storage

import (
	"errors"
	"time"

	"trackerbot/internal/transport"
)

var (
	// ErrNotFound is returned by lookups for rows that do not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a uniqueness invariant would be
	// violated (second open session for a source, duplicate ledger row).
	ErrConflict = errors.New("storage: conflict")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Source is one tracked external identity: (service, external id).
// It is owned collectively by its destinations; deleting the last
// destination deletes the source.
type Source struct {
	ID          int64
	Service     string
	ExternalID  string
	DisplayName string
	CreatedAt   time.Time

	// LastPostID / LastPostTime are the monotonically increasing
	// "seen" bound used by post feeds and the event stream. Unused
	// (zero) for live-stream sources, which track sessions instead.
	LastPostID   int64
	LastPostTime time.Time
}

// Destination binds a Source to one chat, with per-destination
// notification settings.
type Destination struct {
	ID       int64
	SourceID int64
	ChatID   int64
	ThreadID int
	AddedBy  int64

	// MentionRole is rendered ahead of create notifications, subject
	// to the mention cooldown. MentionText is a free-text template
	// supporting {name} and {url} placeholders. MentionOverrides maps
	// a stream category (case-insensitive) to a ping line that takes
	// precedence over both when the session is in that category.
	MentionRole      string
	MentionText      string
	MentionOverrides map[string]string
	LastMention      time.Time

	// Summary selects the end-of-session behavior: edit the live
	// notification into a summary (true) or delete it (false).
	Summary bool
	Pin     bool

	CreatedAt time.Time
}

// Session is the ephemeral record of a source currently live. Its
// existence is the canonical "active" signal: no row means not live.
type Session struct {
	ID         int64
	SourceID   int64
	SessionKey string
	StartedAt  time.Time

	// Rolling statistics, folded in on every update tick.
	PeakViewers  int
	TotalViewers int64
	Ticks        int

	LastTitle    string
	LastCategory string
}

// AvgViewers reports the running average viewer count over all ticks.
func (s Session) AvgViewers() int {
	if s.Ticks <= 0 {
		return 0
	}
	return int(s.TotalViewers / int64(s.Ticks))
}

// LedgerEntry ties one sent notification message to one
// (destination, session) pair.
type LedgerEntry struct {
	ID            int64
	DestinationID int64
	SessionID     int64
	Ref           transport.MessageRef

	// Deleted marks a message observed missing (removed by a chat
	// admin). The row survives until the session ends so the differ
	// does not re-create the notification.
	Deleted bool
}
