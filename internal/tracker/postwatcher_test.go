package tracker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"trackerbot/internal/storage"
)

type fakePosts struct {
	mu    sync.Mutex
	posts map[string][]Post
	err   error
}

func newFakePosts() *fakePosts {
	return &fakePosts{posts: map[string][]Post{}}
}

func (a *fakePosts) Service() string { return "posts" }

func (a *fakePosts) FetchPosts(_ context.Context, externalID string) ([]Post, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.posts[externalID], nil
}

func (a *fakePosts) SourceURL(externalID, _ string) string {
	return "https://posts.example/" + externalID
}

func (a *fakePosts) set(id string, posts []Post) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posts[id] = posts
}

func newTestPostWatcher() (*PostWatcher, *fakeStore, *fakeSink, *fakePosts) {
	store := newFakeStore()
	sink := newFakeSink()
	ad := newFakePosts()
	return NewPostWatcher(PostWatcherConfig{}, ad, store, sink, discardLogger()), store, sink, ad
}

func TestPostsAnnouncedOldestFirst(t *testing.T) {
	w, store, sink, ad := newTestPostWatcher()
	ctx := context.Background()

	src := store.addSource("posts", "acct", "Acct")
	store.addDest(src.ID, -1, storage.Destination{})

	now := time.Now()
	ad.set("acct", []Post{
		{ID: 30, At: now, Text: "third"},
		{ID: 10, At: now.Add(-time.Minute), Text: "first"},
		{ID: 20, At: now.Add(-30 * time.Second), Text: "second"},
	})

	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := sink.sentCount(); n != 3 {
		t.Fatalf("sent %d, want 3", n)
	}
	for i, want := range []string{"first", "second", "third"} {
		if !strings.Contains(sink.sent[i].Text, want) {
			t.Fatalf("message %d = %q, want %q", i, sink.sent[i].Text, want)
		}
	}

	// Bound advanced: re-running the same feed announces nothing.
	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if n := sink.sentCount(); n != 3 {
		t.Fatalf("sent %d after repeat cycle, want 3", n)
	}
}

func TestPostsOutsideFreshnessWindowSkipped(t *testing.T) {
	w, store, sink, ad := newTestPostWatcher()
	ctx := context.Background()

	src := store.addSource("posts", "acct", "")
	store.addDest(src.ID, -1, storage.Destination{})

	now := time.Now()
	ad.set("acct", []Post{
		{ID: 5, At: now.Add(-3 * time.Hour), Text: "ancient"},
		{ID: 6, At: now.Add(-time.Minute), Text: "fresh"},
	})

	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := sink.sentCount(); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
	if !strings.Contains(sink.sent[0].Text, "fresh") {
		t.Fatalf("sent = %q", sink.sent[0].Text)
	}
}

func TestStaleHistoryStillAdvancesBound(t *testing.T) {
	w, store, sink, ad := newTestPostWatcher()
	ctx := context.Background()

	src := store.addSource("posts", "acct", "")
	store.addDest(src.ID, -1, storage.Destination{})

	// A newly tracked account with only old history: nothing announced,
	// but the bound moves so the history cannot resurface.
	ad.set("acct", []Post{
		{ID: 100, At: time.Now().Add(-24 * time.Hour), Text: "old"},
	})
	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := sink.sentCount(); n != 0 {
		t.Fatalf("sent %d, want 0", n)
	}
	list, _ := store.ListSources(ctx, "posts")
	if list[0].LastPostID != 100 {
		t.Fatalf("bound = %d, want 100", list[0].LastPostID)
	}
	_ = src
}

func TestPostBoundNeverRegresses(t *testing.T) {
	w, store, sink, ad := newTestPostWatcher()
	ctx := context.Background()

	src := store.addSource("posts", "acct", "")
	store.addDest(src.ID, -1, storage.Destination{})
	_ = store.SetPostBound(ctx, src.ID, 50, time.Now())

	// The feed serves an older item (cache flap): ignored.
	ad.set("acct", []Post{{ID: 40, At: time.Now(), Text: "replay"}})
	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := sink.sentCount(); n != 0 {
		t.Fatalf("sent %d, want 0", n)
	}
	list, _ := store.ListSources(ctx, "posts")
	if list[0].LastPostID != 50 {
		t.Fatalf("bound = %d, want 50", list[0].LastPostID)
	}
}

func TestGoneFeedRetiredWithNotice(t *testing.T) {
	w, store, sink, ad := newTestPostWatcher()
	ctx := context.Background()

	src := store.addSource("posts", "acct", "Acct")
	store.addDest(src.ID, -1, storage.Destination{})

	ad.err = &HTTPError{StatusCode: 404}
	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n := sink.sentCount(); n != 1 {
		t.Fatalf("sent %d, want 1 final notice", n)
	}
	if !strings.Contains(sink.sent[0].Text, "no longer exists") {
		t.Fatalf("notice = %q", sink.sent[0].Text)
	}
	if store.sourceCount() != 0 {
		t.Fatalf("source still tracked after upstream deletion")
	}
}

func TestPostAuthorRefreshesDisplayName(t *testing.T) {
	w, store, _, ad := newTestPostWatcher()
	ctx := context.Background()

	src := store.addSource("posts", "acct", "old")
	store.addDest(src.ID, -1, storage.Destination{})

	ad.set("acct", []Post{{ID: 1, At: time.Now(), Author: "Fresh Name", Text: "hi"}})
	if err := w.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	list, _ := store.ListSources(ctx, "posts")
	if list[0].DisplayName != "Fresh Name" {
		t.Fatalf("display name = %q", list[0].DisplayName)
	}
}
