package tracker

import (
	"fmt"
	"html"
	"strings"
	"time"

	"trackerbot/internal/storage"
)

// Notification texts are rendered as Telegram HTML.

func renderLive(name string, info StreamInfo, url string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001F534 <b>%s</b> is live!\n", html.EscapeString(name))
	if info.Title != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(info.Title))
	}
	if info.Category != "" {
		fmt.Fprintf(&b, "Playing: %s\n", html.EscapeString(info.Category))
	}
	if info.Viewers > 0 {
		fmt.Fprintf(&b, "Viewers: %d\n", info.Viewers)
	}
	fmt.Fprintf(&b, `<a href="%s">%s</a>`, url, html.EscapeString(url))
	return b.String()
}

func renderSummary(name string, sess storage.Session, endedAt time.Time, url string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚫ <b>%s</b> was live.\n", html.EscapeString(name))
	if sess.LastTitle != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(sess.LastTitle))
	}
	if sess.LastCategory != "" {
		fmt.Fprintf(&b, "Played: %s\n", html.EscapeString(sess.LastCategory))
	}
	if dur := endedAt.Sub(sess.StartedAt); dur > 0 && !sess.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", formatDuration(dur))
	}
	if sess.Ticks > 0 {
		fmt.Fprintf(&b, "Viewers: %d peak, %d average\n", sess.PeakViewers, sess.AvgViewers())
	}
	fmt.Fprintf(&b, `<a href="%s">%s</a>`, url, html.EscapeString(url))
	return b.String()
}

func renderPost(name string, p Post, url string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001F4DD <b>%s</b> posted:\n", html.EscapeString(name))
	if p.Text != "" {
		text := p.Text
		if len(text) > 500 {
			text = text[:500] + "…"
		}
		fmt.Fprintf(&b, "%s\n", html.EscapeString(text))
	}
	link := p.URL
	if link == "" {
		link = url
	}
	fmt.Fprintf(&b, `<a href="%s">%s</a>`, link, html.EscapeString(link))
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
