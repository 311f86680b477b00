// Package gameevents ingests the game's push event stream over a
// websocket and turns territory-alert events into one-shot
// notifications. Tracked sources for this service are world ids.
package gameevents

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trackerbot/internal/tracker"
)

const (
	// Reconnect backoff bounds. The floor keeps a flapping endpoint
	// from spinning; the ceiling keeps long outages from pushing the
	// next attempt out indefinitely.
	reconnectFloor = 250 * time.Millisecond
	reconnectCeil  = 5 * time.Minute

	// stableAfter is how long a connection must live before the
	// reconnect backoff resets.
	stableAfter = time.Minute

	// readTimeout must exceed the upstream heartbeat interval (~30s)
	// so a healthy but quiet connection is not torn down.
	readTimeout = 90 * time.Second

	// dedupTTL covers how long an event key is remembered. Alerts run
	// at most ~90 minutes, so 6 hours is comfortably past any replay.
	dedupTTL = 6 * time.Hour
)

type Config struct {
	URL       string
	ServiceID string

	DialTimeout time.Duration
}

// dedupStore is the slice of the storage API the stream needs to
// suppress replayed events across reconnects and restarts.
type dedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	SeenDedup(ctx context.Context, key string) (bool, error)
}

// Stream maintains the websocket connection and dispatches alert
// notifications through the tracker's event notifier.
type Stream struct {
	cfg      Config
	notifier *tracker.EventNotifier
	dedup    dedupStore
	log      *slog.Logger

	dialer *websocket.Dialer
}

func New(cfg Config, notifier *tracker.EventNotifier, dedup dedupStore, log *slog.Logger) (*Stream, error) {
	if cfg.URL == "" {
		cfg.URL = "wss://push.planetside2.com/streaming?environment=ps2"
	}
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("gameevents service id is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	return &Stream{
		cfg:      cfg,
		notifier: notifier,
		dedup:    dedup,
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}, nil
}

// Run connects and listens until ctx is canceled, reconnecting with
// doubling backoff on every failure.
func (s *Stream) Run(ctx context.Context) error {
	delay := reconnectFloor
	for {
		start := time.Now()
		err := s.connectAndListen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) >= stableAfter {
			delay = reconnectFloor
		}
		s.log.Warn("event stream disconnected",
			slog.Any("err", err),
			slog.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectCeil {
			delay = reconnectCeil
		}
	}
}

func (s *Stream) connectAndListen(ctx context.Context) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	// Tear the read loop down promptly on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeMessage()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("event stream connected", slog.String("url", s.cfg.URL))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(ctx, data)
	}
}

func (s *Stream) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("event stream url: %w", err)
	}
	q := u.Query()
	q.Set("service-id", "s:"+strings.TrimPrefix(s.cfg.ServiceID, "s:"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func subscribeMessage() map[string]any {
	return map[string]any{
		"service":    "event",
		"action":     "subscribe",
		"worlds":     []string{"all"},
		"eventNames": []string{"MetagameEvent"},
	}
}

type envelope struct {
	Service string          `json:"service"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type metagamePayload struct {
	EventName          string `json:"event_name"`
	WorldID            string `json:"world_id"`
	ZoneID             string `json:"zone_id"`
	InstanceID         string `json:"instance_id"`
	MetagameEventID    string `json:"metagame_event_id"`
	MetagameEventState string `json:"metagame_event_state_name"`
}

func (s *Stream) handleMessage(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Debug("undecodable stream message", slog.Any("err", err))
		return
	}
	switch env.Type {
	case "heartbeat", "connectionStateChanged", "serviceStateChanged":
		// Keepalive traffic.
		return
	case "serviceMessage":
	default:
		return
	}

	var p metagamePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.EventName != "MetagameEvent" {
		return
	}
	s.handleAlert(ctx, p)
}

func (s *Stream) handleAlert(ctx context.Context, p metagamePayload) {
	state := strings.ToLower(p.MetagameEventState)
	if state != "started" && state != "ended" {
		return
	}

	key := fmt.Sprintf("metagame:%s:%s:%s", p.WorldID, p.InstanceID, state)
	seen, err := s.dedup.SeenDedup(ctx, key)
	if err != nil {
		s.log.Error("dedup lookup failed", slog.String("key", key), slog.Any("err", err))
	}
	if seen {
		return
	}
	if err := s.dedup.PutDedup(ctx, key, time.Now().Add(dedupTTL)); err != nil {
		s.log.Error("dedup store failed", slog.String("key", key), slog.Any("err", err))
	}

	sources, err := s.notifier.Sources(ctx)
	if err != nil {
		s.log.Error("source list failed", slog.Any("err", err))
		return
	}
	for _, src := range sources {
		if src.ExternalID != p.WorldID {
			continue
		}
		s.log.Info("game event",
			slog.String("world", worldName(p.WorldID)),
			slog.String("event", eventTitle(p.MetagameEventID, p.ZoneID)),
			slog.String("state", state))
		s.notifier.Notify(ctx, src, "", renderAlert(p, state))
	}
}

func renderAlert(p metagamePayload, state string) string {
	world := html.EscapeString(worldName(p.WorldID))
	event := html.EscapeString(eventTitle(p.MetagameEventID, p.ZoneID))
	if state == "started" {
		return fmt.Sprintf("⚔️ <b>%s</b>: %s has started!", world, event)
	}
	return fmt.Sprintf("\U0001F3C1 <b>%s</b>: %s has ended.", world, event)
}
