package config

import (
	"reflect"
	"strings"

	logx "trackerbot/pkg/logx"
)

// SummarizeChange reports which config sections differ plus safe
// structured attrs for logging. Secrets (tokens, client secrets) are
// never included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if !sectionEqual(oldCfg.Streams, newCfg.Streams) {
		changed = append(changed, "streams")
		attrs = append(attrs,
			logx.Bool("streams.enabled", newCfg.Streams != nil && newCfg.Streams.Enabled))
	}
	if !sectionEqual(oldCfg.Posts, newCfg.Posts) {
		changed = append(changed, "posts")
		attrs = append(attrs,
			logx.Bool("posts.enabled", newCfg.Posts != nil && newCfg.Posts.Enabled))
	}
	if !sectionEqual(oldCfg.GameEvents, newCfg.GameEvents) {
		changed = append(changed, "game_events")
		attrs = append(attrs,
			logx.Bool("game_events.enabled", newCfg.GameEvents != nil && newCfg.GameEvents.Enabled))
	}

	if oldCfg.Mentions != newCfg.Mentions {
		changed = append(changed, "mentions")
		attrs = append(attrs, logx.String("mentions.cooldown", newCfg.Mentions.Cooldown))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.schedule", newCfg.Maintenance.Schedule))
	}

	return changed, attrs
}

func sectionEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
