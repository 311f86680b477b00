package config

// Config is the root of the bot configuration. Accepted on disk as
// YAML or JSON; decoding is strict, unknown keys are rejected.
//
// All duration-typed fields are Go duration strings (e.g. "30s", "3m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Per-service tracker sections. A nil section disables the service.
	Streams    *StreamsConfig    `json:"streams,omitempty"`
	Posts      *PostsConfig      `json:"posts,omitempty"`
	GameEvents *GameEventsConfig `json:"game_events,omitempty"`

	Mentions    MentionsConfig    `json:"mentions,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OwnerUserIDs may use the track/untrack commands in any chat;
	// other users only within chats they administrate.
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// RatePerSec bounds outbound Telegram API calls bot-wide.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StreamsConfig configures the live-stream poll loop.
type StreamsConfig struct {
	Enabled bool `json:"enabled"`

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	BaseURL      string `json:"base_url,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`

	// Interval is the minimum poll cycle. Defaults to "3m".
	Interval string `json:"interval,omitempty"`

	// EditOnStats also refreshes notifications on viewer-count-only
	// changes. Costs edit quota; off by default.
	EditOnStats bool `json:"edit_on_stats,omitempty"`

	FanOut int `json:"fan_out,omitempty"`
}

// PostsConfig configures the post-feed poll loop.
type PostsConfig struct {
	Enabled bool `json:"enabled"`

	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent,omitempty"`

	Interval string `json:"interval,omitempty"`

	// Pace spaces out per-account fetches within a cycle. Defaults
	// to "2s".
	Pace string `json:"pace,omitempty"`

	FanOut int `json:"fan_out,omitempty"`
}

// GameEventsConfig configures the push event-stream listener.
type GameEventsConfig struct {
	Enabled bool `json:"enabled"`

	URL       string `json:"url,omitempty"`
	ServiceID string `json:"service_id"`

	FanOut int `json:"fan_out,omitempty"`
}

type MentionsConfig struct {
	// Cooldown throttles repeat pings per destination. Defaults to "6h".
	Cooldown string `json:"cooldown,omitempty"`
}

type MaintenanceConfig struct {
	// Schedule is a cron expression for the nightly sweep. Defaults
	// to "17 4 * * *".
	Schedule string `json:"schedule,omitempty"`
}
