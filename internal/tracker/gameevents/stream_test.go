package gameevents

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	"trackerbot/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStore serves one tracked world with one destination and records
// dedup writes in memory.
type stubStore struct {
	mu    sync.Mutex
	dedup map[string]time.Time
}

func newStubStore() *stubStore { return &stubStore{dedup: map[string]time.Time{}} }

func (s *stubStore) ListSources(context.Context, string) ([]storage.Source, error) {
	return []storage.Source{{ID: 1, Service: "gameevents", ExternalID: "17", DisplayName: "Emerald"}}, nil
}

func (s *stubStore) DestinationsFor(context.Context, int64) ([]storage.Destination, error) {
	return []storage.Destination{{ID: 2, SourceID: 1, ChatID: -10}}, nil
}

func (s *stubStore) FeatureEnabled(context.Context, int64, string) (bool, error) { return true, nil }

func (s *stubStore) DeleteSource(context.Context, int64) error                   { return nil }
func (s *stubStore) UpdateSourceName(context.Context, int64, string) error       { return nil }
func (s *stubStore) SetPostBound(context.Context, int64, int64, time.Time) error { return nil }
func (s *stubStore) DeleteDestination(context.Context, int64) error              { return nil }
func (s *stubStore) SetLastMention(context.Context, int64, time.Time) error      { return nil }
func (s *stubStore) SessionFor(context.Context, int64) (storage.Session, bool, error) {
	return storage.Session{}, false, nil
}
func (s *stubStore) EnterSession(_ context.Context, sess storage.Session) (storage.Session, error) {
	return sess, nil
}
func (s *stubStore) UpdateSessionStats(context.Context, int64, int, string, string) error { return nil }
func (s *stubStore) CompleteSession(context.Context, int64) error                         { return nil }
func (s *stubStore) OpenLedger(context.Context, int64, int64, transport.MessageRef) error { return nil }
func (s *stubStore) LedgerEntry(context.Context, int64, int64) (storage.LedgerEntry, bool, error) {
	return storage.LedgerEntry{}, false, nil
}
func (s *stubStore) LedgerForSession(context.Context, int64) ([]storage.LedgerEntry, error) {
	return nil, nil
}
func (s *stubStore) MarkLedgerDeleted(context.Context, int64) error { return nil }

func (s *stubStore) PutDedup(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *stubStore) SeenDedup(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return ok && time.Now().Before(until), nil
}

type recordSink struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordSink) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return transport.MessageRef{MessageID: len(r.sent)}, nil
}

func (r *recordSink) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (r *recordSink) DeleteMessage(context.Context, transport.MessageRef) error { return nil }
func (r *recordSink) Unpin(context.Context, transport.MessageRef) error         { return nil }

func (r *recordSink) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newTestStream(t *testing.T, wsURL string) (*Stream, *recordSink, *stubStore) {
	t.Helper()
	store := newStubStore()
	sink := &recordSink{}
	notifier := tracker.NewEventNotifier("gameevents", store, sink, discardLogger(), 0, 1)
	s, err := New(Config{URL: wsURL, ServiceID: "testsvc"}, notifier, store, discardLogger())
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return s, sink, store
}

func TestAlertDeduplicated(t *testing.T) {
	s, sink, _ := newTestStream(t, "ws://unused.example")
	ctx := context.Background()

	p := metagamePayload{
		EventName:          "MetagameEvent",
		WorldID:            "17",
		InstanceID:         "901",
		MetagameEventID:    "147",
		MetagameEventState: "started",
	}
	s.handleAlert(ctx, p)
	s.handleAlert(ctx, p)

	got := sink.texts()
	if len(got) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(got))
	}
	if !strings.Contains(got[0], "Emerald") || !strings.Contains(got[0], "Indar Conquest") {
		t.Fatalf("text = %q", got[0])
	}

	// The end of the same instance is a distinct event.
	p.MetagameEventState = "ended"
	s.handleAlert(ctx, p)
	if got := sink.texts(); len(got) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(got))
	}
}

func TestUnknownEventFallsBackToZone(t *testing.T) {
	s, sink, _ := newTestStream(t, "ws://unused.example")
	s.handleAlert(context.Background(), metagamePayload{
		EventName:          "MetagameEvent",
		WorldID:            "17",
		ZoneID:             "344",
		InstanceID:         "77",
		MetagameEventID:    "999",
		MetagameEventState: "started",
	})
	got := sink.texts()
	if len(got) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(got))
	}
	if !strings.Contains(got[0], "Oshur Alert") {
		t.Fatalf("text = %q, want zone fallback", got[0])
	}
}

func TestUntrackedWorldIgnored(t *testing.T) {
	s, sink, _ := newTestStream(t, "ws://unused.example")
	s.handleAlert(context.Background(), metagamePayload{
		EventName:          "MetagameEvent",
		WorldID:            "13",
		InstanceID:         "1",
		MetagameEventID:    "147",
		MetagameEventState: "started",
	})
	if got := sink.texts(); len(got) != 0 {
		t.Fatalf("sent %d notifications, want 0", len(got))
	}
}

func TestHeartbeatAndNoiseIgnored(t *testing.T) {
	s, sink, _ := newTestStream(t, "ws://unused.example")
	ctx := context.Background()

	for _, msg := range []string{
		`{"service":"event","type":"heartbeat","online":{"EventServerEndpoint_Connery_1":"true"}}`,
		`{"service":"push","type":"connectionStateChanged","connected":"true"}`,
		`{"service":"event","type":"serviceMessage","payload":{"event_name":"Death"}}`,
		`not json at all`,
	} {
		s.handleMessage(ctx, []byte(msg))
	}
	if got := sink.texts(); len(got) != 0 {
		t.Fatalf("sent %d notifications, want 0", len(got))
	}
}

func TestConnectSubscribesAndReceives(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("service-id"); got != "s:testsvc" {
			t.Errorf("service-id = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Expect the subscribe frame first.
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub["action"] != "subscribe" {
			t.Errorf("subscribe frame = %v", sub)
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"service":"event","type":"heartbeat"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"service":"event","type":"serviceMessage","payload":{
			"event_name":"MetagameEvent","world_id":"17","instance_id":"55",
			"metagame_event_id":"150","metagame_event_state_name":"started"}}`))
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s, sink, _ := newTestStream(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The server closes after sending; connectAndListen returns the
	// read error once the event has been handled.
	_ = s.connectAndListen(ctx)

	got := sink.texts()
	if len(got) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(got))
	}
	if !strings.Contains(got[0], "Amerish Conquest") {
		t.Fatalf("text = %q", got[0])
	}
}
