// Package logx configures trackerbot's low-level structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// It is used by layers that must not depend on the application's slog
// wiring (storage, config watcher); everything else logs through slog.
package logx
