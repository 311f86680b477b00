package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trackerbot/internal/transport"
	logx "trackerbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Cascades from tracked_source down to ledger rows depend on this.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Sources ----

func (s *sqliteStore) CreateSource(ctx context.Context, service, externalID, displayName string) (Source, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_source(service, external_id, display_name, created_at)
		 VALUES(?,?,?,?)`,
		service, externalID, displayName, now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Source{}, fmt.Errorf("%w: source %s/%s", ErrConflict, service, externalID)
		}
		return Source{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Source{}, err
	}
	return Source{
		ID:          id,
		Service:     service,
		ExternalID:  externalID,
		DisplayName: displayName,
		CreatedAt:   now,
	}, nil
}

func (s *sqliteStore) FindSource(ctx context.Context, service, externalID string) (Source, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, service, external_id, display_name, created_at, last_post_id, last_post_ms
		 FROM tracked_source WHERE service = ? AND external_id = ?`,
		service, externalID,
	)
	return scanSource(row)
}

func (s *sqliteStore) ListSources(ctx context.Context, service string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, external_id, display_name, created_at, last_post_id, last_post_ms
		 FROM tracked_source WHERE service = ? ORDER BY id`,
		service,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSource(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_source WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: source %d", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) UpdateSourceName(ctx context.Context, id int64, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_source SET display_name = ? WHERE id = ?`, displayName, id)
	return err
}

func (s *sqliteStore) SetPostBound(ctx context.Context, id int64, postID int64, at time.Time) error {
	// MAX keeps the bound monotonic even if callers race.
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_source
		 SET last_post_id = MAX(last_post_id, ?), last_post_ms = MAX(last_post_ms, ?)
		 WHERE id = ?`,
		postID, at.UnixMilli(), id)
	return err
}

func (s *sqliteStore) SourceByID(ctx context.Context, id int64) (Source, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, service, external_id, display_name, created_at, last_post_id, last_post_ms
		 FROM tracked_source WHERE id = ?`, id)
	return scanSource(row)
}

// ---- Destinations ----

func (s *sqliteStore) AddDestination(ctx context.Context, d Destination) (Destination, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_destination(source_id, chat_id, thread_id, added_by, mention_role, mention_text, mention_over, last_mention, summary, pin, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		d.SourceID, d.ChatID, d.ThreadID, d.AddedBy,
		d.MentionRole, d.MentionText, encodeOverrides(d.MentionOverrides), msOrZero(d.LastMention),
		boolInt(d.Summary), boolInt(d.Pin), now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Destination{}, fmt.Errorf("%w: destination chat %d for source %d", ErrConflict, d.ChatID, d.SourceID)
		}
		return Destination{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Destination{}, err
	}
	d.ID = id
	d.CreatedAt = now
	return d, nil
}

func (s *sqliteStore) DestinationsFor(ctx context.Context, sourceID int64) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, chat_id, thread_id, added_by, mention_role, mention_text, mention_over, last_mention, summary, pin, created_at
		 FROM tracked_destination WHERE source_id = ? ORDER BY id`,
		sourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDestinations(rows)
}

func collectDestinations(rows *sql.Rows) ([]Destination, error) {
	var out []Destination
	for rows.Next() {
		var d Destination
		var overrides string
		var lastMention, createdAt int64
		var summary, pin int
		if err := rows.Scan(&d.ID, &d.SourceID, &d.ChatID, &d.ThreadID, &d.AddedBy,
			&d.MentionRole, &d.MentionText, &overrides, &lastMention, &summary, &pin, &createdAt); err != nil {
			return nil, err
		}
		d.MentionOverrides = decodeOverrides(overrides)
		d.LastMention = timeOrZero(lastMention)
		d.Summary = summary != 0
		d.Pin = pin != 0
		d.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DestinationsInChat(ctx context.Context, chatID int64) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, chat_id, thread_id, added_by, mention_role, mention_text, mention_over, last_mention, summary, pin, created_at
		 FROM tracked_destination WHERE chat_id = ? ORDER BY id`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDestinations(rows)
}

func (s *sqliteStore) UpdateDestination(ctx context.Context, d Destination) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_destination
		 SET mention_role = ?, mention_text = ?, mention_over = ?, summary = ?, pin = ?
		 WHERE id = ?`,
		d.MentionRole, d.MentionText, encodeOverrides(d.MentionOverrides),
		boolInt(d.Summary), boolInt(d.Pin), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: destination %d", ErrNotFound, d.ID)
	}
	return nil
}

func (s *sqliteStore) DeleteDestination(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_destination WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: destination %d", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) SetLastMention(ctx context.Context, destinationID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_destination SET last_mention = ? WHERE id = ?`,
		at.UnixMilli(), destinationID)
	return err
}

// ---- Sessions ----

func (s *sqliteStore) SessionFor(ctx context.Context, sourceID int64) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, session_key, started_at, peak_viewers, total_viewers, ticks, last_title, last_category
		 FROM active_session WHERE source_id = ?`,
		sourceID,
	)
	var sess Session
	var startedAt int64
	err := row.Scan(&sess.ID, &sess.SourceID, &sess.SessionKey, &startedAt,
		&sess.PeakViewers, &sess.TotalViewers, &sess.Ticks, &sess.LastTitle, &sess.LastCategory)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	sess.StartedAt = time.UnixMilli(startedAt)
	return sess, true, nil
}

func (s *sqliteStore) EnterSession(ctx context.Context, sess Session) (Session, error) {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO active_session(source_id, session_key, started_at, peak_viewers, total_viewers, ticks, last_title, last_category)
		 VALUES(?,?,?,?,?,?,?,?)`,
		sess.SourceID, sess.SessionKey, sess.StartedAt.UnixMilli(),
		sess.PeakViewers, sess.TotalViewers, sess.Ticks, sess.LastTitle, sess.LastCategory,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, fmt.Errorf("%w: session already open for source %d", ErrConflict, sess.SourceID)
		}
		return Session{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, err
	}
	sess.ID = id
	return sess, nil
}

func (s *sqliteStore) UpdateSessionStats(ctx context.Context, id int64, viewers int, title, category string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_session
		 SET peak_viewers = MAX(peak_viewers, ?),
		     total_viewers = total_viewers + ?,
		     ticks = ticks + 1,
		     last_title = ?,
		     last_category = ?
		 WHERE id = ?`,
		viewers, viewers, title, category, id)
	return err
}

func (s *sqliteStore) CompleteSession(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM notification_ledger WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_session WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Notification ledger ----

func (s *sqliteStore) OpenLedger(ctx context.Context, destinationID, sessionID int64, ref transport.MessageRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_ledger(destination_id, session_id, chat_id, thread_id, message_id, deleted)
		 VALUES(?,?,?,?,?,0)`,
		destinationID, sessionID, ref.ChatID, ref.ThreadID, ref.MessageID,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: ledger (%d,%d)", ErrConflict, destinationID, sessionID)
	}
	return err
}

func (s *sqliteStore) LedgerEntry(ctx context.Context, destinationID, sessionID int64) (LedgerEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, destination_id, session_id, chat_id, thread_id, message_id, deleted
		 FROM notification_ledger WHERE destination_id = ? AND session_id = ?`,
		destinationID, sessionID,
	)
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) LedgerForSession(ctx context.Context, sessionID int64) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, destination_id, session_id, chat_id, thread_id, message_id, deleted
		 FROM notification_ledger WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkLedgerDeleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_ledger SET deleted = 1 WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteLedger(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_ledger WHERE id = ?`, id)
	return err
}

// ---- Feature flags ----

func (s *sqliteStore) FeatureEnabled(ctx context.Context, chatID int64, service string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM chat_feature WHERE chat_id = ? AND service = ?`,
		chatID, service).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

func (s *sqliteStore) SetFeature(ctx context.Context, chatID int64, service string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_feature(chat_id, service, enabled) VALUES(?,?,?)
		 ON CONFLICT(chat_id, service) DO UPDATE SET enabled=excluded.enabled`,
		chatID, service, boolInt(enabled))
	return err
}

// ---- Dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	return err
}

func (s *sqliteStore) SeenDedup(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() < ms, nil
}

// ---- Maintenance ----

func (s *sqliteStore) PruneExpiredDedup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneOrphans removes sources with no remaining destinations. Sessions
// and ledger rows go with them through the foreign-key cascades.
func (s *sqliteStore) PruneOrphans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_source
		 WHERE id NOT IN (SELECT DISTINCT source_id FROM tracked_destination)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (Source, bool, error) {
	var src Source
	var createdAt, lastPostMS int64
	err := row.Scan(&src.ID, &src.Service, &src.ExternalID, &src.DisplayName,
		&createdAt, &src.LastPostID, &lastPostMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, false, nil
	}
	if err != nil {
		return Source{}, false, err
	}
	src.CreatedAt = time.UnixMilli(createdAt)
	src.LastPostTime = timeOrZero(lastPostMS)
	return src, true, nil
}

func scanSourceRows(rows *sql.Rows) (Source, error) {
	var src Source
	var createdAt, lastPostMS int64
	if err := rows.Scan(&src.ID, &src.Service, &src.ExternalID, &src.DisplayName,
		&createdAt, &src.LastPostID, &lastPostMS); err != nil {
		return Source{}, err
	}
	src.CreatedAt = time.UnixMilli(createdAt)
	src.LastPostTime = timeOrZero(lastPostMS)
	return src, nil
}

func scanLedger(row rowScanner) (LedgerEntry, error) {
	var e LedgerEntry
	var deleted int
	err := row.Scan(&e.ID, &e.DestinationID, &e.SessionID,
		&e.Ref.ChatID, &e.Ref.ThreadID, &e.Ref.MessageID, &deleted)
	if err != nil {
		return LedgerEntry{}, err
	}
	e.Deleted = deleted != 0
	return e, nil
}

// encodeOverrides serializes the per-category mention map; an empty
// map stores as the empty string.
func encodeOverrides(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeOverrides(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
