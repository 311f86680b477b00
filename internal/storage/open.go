package storage

import (
	"context"
	"time"

	"trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

// Store is the persistence API consumed by the trackers and the
// maintenance sweeper.
type Store interface {
	// Sources.
	CreateSource(ctx context.Context, service, externalID, displayName string) (Source, error)
	FindSource(ctx context.Context, service, externalID string) (Source, bool, error)
	ListSources(ctx context.Context, service string) ([]Source, error)
	DeleteSource(ctx context.Context, id int64) error
	UpdateSourceName(ctx context.Context, id int64, displayName string) error
	// SetPostBound advances the monotonic "seen" bound. It never moves
	// the bound backwards.
	SetPostBound(ctx context.Context, id int64, postID int64, at time.Time) error

	SourceByID(ctx context.Context, id int64) (Source, bool, error)

	// Destinations.
	AddDestination(ctx context.Context, d Destination) (Destination, error)
	DestinationsFor(ctx context.Context, sourceID int64) ([]Destination, error)
	DestinationsInChat(ctx context.Context, chatID int64) ([]Destination, error)
	UpdateDestination(ctx context.Context, d Destination) error
	DeleteDestination(ctx context.Context, id int64) error
	SetLastMention(ctx context.Context, destinationID int64, at time.Time) error

	// Sessions. EnterSession fails with ErrConflict while an open
	// session exists for the source. CompleteSession removes the
	// session and any leftover ledger rows in one transaction.
	SessionFor(ctx context.Context, sourceID int64) (Session, bool, error)
	EnterSession(ctx context.Context, s Session) (Session, error)
	UpdateSessionStats(ctx context.Context, id int64, viewers int, title, category string) error
	CompleteSession(ctx context.Context, id int64) error

	// Notification ledger.
	OpenLedger(ctx context.Context, destinationID, sessionID int64, ref transport.MessageRef) error
	LedgerEntry(ctx context.Context, destinationID, sessionID int64) (LedgerEntry, bool, error)
	LedgerForSession(ctx context.Context, sessionID int64) ([]LedgerEntry, error)
	MarkLedgerDeleted(ctx context.Context, id int64) error
	DeleteLedger(ctx context.Context, id int64) error

	// Per-chat feature flags. Absent rows default to enabled.
	FeatureEnabled(ctx context.Context, chatID int64, service string) (bool, error)
	SetFeature(ctx context.Context, chatID int64, service string, enabled bool) error

	// Event-stream deduplication.
	PutDedup(ctx context.Context, key string, until time.Time) error
	SeenDedup(ctx context.Context, key string) (bool, error)

	// Maintenance.
	PruneExpiredDedup(ctx context.Context) (int64, error)
	PruneOrphans(ctx context.Context) (int64, error)

	Close() error
}

// Open initializes the SQLite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
