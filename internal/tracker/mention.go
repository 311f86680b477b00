package tracker

import (
	"strings"
	"time"

	"trackerbot/internal/storage"
)

const (
	// defaultMentionCooldown throttles role pings per destination so a
	// flapping source cannot spam a chat.
	defaultMentionCooldown = 6 * time.Hour

	// stalePingThreshold suppresses mentions for sessions that started
	// well before we noticed them (typically after a tracker restart).
	// The notification still goes out, just without the ping.
	stalePingThreshold = 15 * time.Minute
)

// mentionPrefix renders the ping line for a fresh create notification,
// or "" when no mention applies. started is the session start time;
// category selects any per-category override.
func mentionPrefix(d storage.Destination, name, url, category string, started, now time.Time, cooldown time.Duration) string {
	line := mentionLine(d, category)
	if line == "" {
		return ""
	}
	if cooldown <= 0 {
		cooldown = defaultMentionCooldown
	}
	if !d.LastMention.IsZero() && now.Sub(d.LastMention) < cooldown {
		return ""
	}
	if !started.IsZero() && now.Sub(started) > stalePingThreshold {
		return ""
	}
	return renderMention(line, name, url)
}

// mentionLine resolves the configured ping line: a category override
// wins, then the free-text template, then the bare role.
func mentionLine(d storage.Destination, category string) string {
	if category != "" {
		for k, v := range d.MentionOverrides {
			if strings.EqualFold(k, category) {
				return v
			}
		}
	}
	if d.MentionText != "" {
		return d.MentionText
	}
	return d.MentionRole
}

// renderMention fills the {name} and {url} placeholders of a custom
// mention template.
func renderMention(tmpl, name, url string) string {
	r := strings.NewReplacer("{name}", name, "{url}", url)
	return r.Replace(tmpl)
}
