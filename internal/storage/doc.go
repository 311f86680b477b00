// Package storage persists tracker state in SQLite.
//
// Four tables carry the tracking model: tracked_source (one row per
// watched external identity), tracked_destination (one row per
// subscription binding a source to a chat), active_session (at most one
// open row per source while it is live), and notification_ledger (at
// most one open row per destination+session, pointing at the sent
// message). A small chat_feature table holds per-chat enable flags and
// a dedup table backs streaming-event deduplication.
//
// State transitions that touch several rows for one source are applied
// in a single transaction so a half-applied transition is never
// observable after a crash.
package storage
