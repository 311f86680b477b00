package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"trackerbot/internal/storage"
	"trackerbot/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory Store with the same uniqueness semantics
// as the sqlite implementation.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	sources  map[int64]storage.Source
	dests    map[int64]storage.Destination
	sessions map[int64]storage.Session
	ledger   map[int64]storage.LedgerEntry
	features map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:  map[int64]storage.Source{},
		dests:    map[int64]storage.Destination{},
		sessions: map[int64]storage.Session{},
		ledger:   map[int64]storage.LedgerEntry{},
		features: map[string]bool{},
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) addSource(service, externalID, name string) storage.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := storage.Source{ID: f.id(), Service: service, ExternalID: externalID, DisplayName: name}
	f.sources[src.ID] = src
	return src
}

func (f *fakeStore) addDest(sourceID, chatID int64, d storage.Destination) storage.Destination {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = f.id()
	d.SourceID = sourceID
	d.ChatID = chatID
	f.dests[d.ID] = d
	return d
}

func (f *fakeStore) ListSources(_ context.Context, service string) ([]storage.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Source
	for _, s := range f.sources {
		if s.Service == service {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteSource(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.sources, id)
	for did, d := range f.dests {
		if d.SourceID == id {
			delete(f.dests, did)
		}
	}
	for sid, s := range f.sessions {
		if s.SourceID == id {
			delete(f.sessions, sid)
		}
	}
	return nil
}

func (f *fakeStore) UpdateSourceName(_ context.Context, id int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.DisplayName = name
	f.sources[id] = s
	return nil
}

func (f *fakeStore) SetPostBound(_ context.Context, id int64, postID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return storage.ErrNotFound
	}
	if postID > s.LastPostID {
		s.LastPostID = postID
	}
	if at.After(s.LastPostTime) {
		s.LastPostTime = at
	}
	f.sources[id] = s
	return nil
}

func (f *fakeStore) DestinationsFor(_ context.Context, sourceID int64) ([]storage.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Destination
	for _, d := range f.dests {
		if d.SourceID == sourceID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteDestination(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dests[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.dests, id)
	return nil
}

func (f *fakeStore) SetLastMention(_ context.Context, destinationID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dests[destinationID]
	if !ok {
		return storage.ErrNotFound
	}
	d.LastMention = at
	f.dests[destinationID] = d
	return nil
}

func (f *fakeStore) SessionFor(_ context.Context, sourceID int64) (storage.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.SourceID == sourceID {
			return s, true, nil
		}
	}
	return storage.Session{}, false, nil
}

func (f *fakeStore) EnterSession(_ context.Context, s storage.Session) (storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cur := range f.sessions {
		if cur.SourceID == s.SourceID {
			return storage.Session{}, storage.ErrConflict
		}
	}
	s.ID = f.id()
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) UpdateSessionStats(_ context.Context, id int64, viewers int, title, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if viewers > s.PeakViewers {
		s.PeakViewers = viewers
	}
	s.TotalViewers += int64(viewers)
	s.Ticks++
	s.LastTitle = title
	s.LastCategory = category
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) CompleteSession(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	for lid, e := range f.ledger {
		if e.SessionID == id {
			delete(f.ledger, lid)
		}
	}
	return nil
}

func (f *fakeStore) OpenLedger(_ context.Context, destinationID, sessionID int64, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.ledger {
		if e.DestinationID == destinationID && e.SessionID == sessionID {
			return storage.ErrConflict
		}
	}
	id := f.id()
	f.ledger[id] = storage.LedgerEntry{ID: id, DestinationID: destinationID, SessionID: sessionID, Ref: ref}
	return nil
}

func (f *fakeStore) LedgerEntry(_ context.Context, destinationID, sessionID int64) (storage.LedgerEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.ledger {
		if e.DestinationID == destinationID && e.SessionID == sessionID {
			return e, true, nil
		}
	}
	return storage.LedgerEntry{}, false, nil
}

func (f *fakeStore) LedgerForSession(_ context.Context, sessionID int64) ([]storage.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.LedgerEntry
	for _, e := range f.ledger {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkLedgerDeleted(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.ledger[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Deleted = true
	f.ledger[id] = e
	return nil
}

func (f *fakeStore) FeatureEnabled(_ context.Context, chatID int64, service string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, ok := f.features[featureKey(chatID, service)]
	if !ok {
		return true, nil
	}
	return on, nil
}

func (f *fakeStore) setFeature(chatID int64, service string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features[featureKey(chatID, service)] = on
}

func featureKey(chatID int64, service string) string {
	return fmt.Sprintf("%d|%s", chatID, service)
}

func (f *fakeStore) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeStore) destCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dests)
}

func (f *fakeStore) sourceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

// fakeSink records sends and can be told to fail per chat.
type sentMsg struct {
	To   transport.ChatTarget
	Text string
	Opt  transport.SendOptions
	Ref  transport.MessageRef
}

type editMsg struct {
	Ref  transport.MessageRef
	Text string
}

type fakeSink struct {
	mu        sync.Mutex
	nextMsgID int
	sent      []sentMsg
	edits     []editMsg
	deletes   []transport.MessageRef
	unpins    []transport.MessageRef

	sendErr map[int64]error // keyed by chat id
	editErr error
	delErr  error
}

func newFakeSink() *fakeSink {
	return &fakeSink{sendErr: map[int64]error{}}
}

func (s *fakeSink) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendErr[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	s.nextMsgID++
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: s.nextMsgID}
	var o transport.SendOptions
	if opt != nil {
		o = *opt
	}
	s.sent = append(s.sent, sentMsg{To: to, Text: text, Opt: o, Ref: ref})
	return ref, nil
}

func (s *fakeSink) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return s.editErr
	}
	s.edits = append(s.edits, editMsg{Ref: ref, Text: text})
	return nil
}

func (s *fakeSink) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	s.deletes = append(s.deletes, ref)
	return nil
}

func (s *fakeSink) Unpin(_ context.Context, ref transport.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpins = append(s.unpins, ref)
	return nil
}

func (s *fakeSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSink) editCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits)
}

func (s *fakeSink) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

// fakeStream is a StreamAdapter backed by a mutable live-state map.
type fakeStream struct {
	mu    sync.Mutex
	chunk int
	live  map[string]StreamInfo
	err   error
	calls [][]string
}

func newFakeStream(chunk int) *fakeStream {
	return &fakeStream{chunk: chunk, live: map[string]StreamInfo{}}
}

func (a *fakeStream) Service() string { return "streams" }
func (a *fakeStream) ChunkSize() int  { return a.chunk }

func (a *fakeStream) FetchChunk(_ context.Context, ids []string) (map[string]StreamInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, append([]string(nil), ids...))
	if a.err != nil {
		return nil, a.err
	}
	out := map[string]StreamInfo{}
	for _, id := range ids {
		if info, ok := a.live[id]; ok {
			out[id] = info
		}
	}
	return out, nil
}

func (a *fakeStream) SourceURL(externalID, _ string) string {
	return "https://streams.example/" + externalID
}

func (a *fakeStream) setLive(id string, info StreamInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live[id] = info
}

func (a *fakeStream) setOffline(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, id)
}

func (a *fakeStream) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}
