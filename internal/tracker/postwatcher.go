package tracker

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"trackerbot/internal/storage"
	"trackerbot/internal/transport"
)

// postFreshness bounds how old a post may be and still be announced.
// Anything older is treated as already seen, which keeps a freshly
// tracked account from flooding the chat with its history.
const postFreshness = 2 * time.Hour

type PostWatcherConfig struct {
	Interval time.Duration

	// Pace inserts a delay between per-source fetches so a large
	// tracked set does not burst the upstream API.
	Pace time.Duration

	MentionCooldown time.Duration
	FanOut          int
}

// PostWatcher polls a post-feed service and announces new posts as
// one-shot notifications. State is the per-source monotonic bound
// (last post id and timestamp) on the source row.
type PostWatcher struct {
	cfg   PostWatcherConfig
	ad    PostAdapter
	store Store
	log   *slog.Logger

	disp dispatcher
	bo   backoff
}

func NewPostWatcher(cfg PostWatcherConfig, ad PostAdapter, store Store, sink transport.Sink, log *slog.Logger) *PostWatcher {
	return &PostWatcher{
		cfg:   cfg,
		ad:    ad,
		store: store,
		log:   log,
		disp: dispatcher{
			sink:     sink,
			store:    store,
			log:      log,
			fanOut:   cfg.FanOut,
			cooldown: cfg.MentionCooldown,
		},
	}
}

func (w *PostWatcher) Run(ctx context.Context) error {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	for {
		start := time.Now()
		err := w.safeCycle(ctx)

		var extra time.Duration
		switch {
		case err == nil:
			w.bo.success()
		case errors.Is(err, context.Canceled):
		default:
			extra = w.bo.next(err, time.Now())
			w.log.Warn("cycle failed", slog.Any("err", err), slog.Duration("backoff", extra))
		}

		sleep := interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		sleep += extra

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (w *PostWatcher) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("cycle panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = errors.New("cycle panic")
		}
	}()
	return w.cycle(ctx)
}

func (w *PostWatcher) cycle(ctx context.Context) error {
	sources, err := w.store.ListSources(ctx, w.ad.Service())
	if err != nil {
		return err
	}
	var firstErr error
	for i, src := range sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && w.cfg.Pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.Pace):
			}
		}
		if err := w.checkSource(ctx, src); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *PostWatcher) checkSource(ctx context.Context, src storage.Source) error {
	posts, err := w.ad.FetchPosts(ctx, src.ExternalID)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			w.retire(ctx, src)
			return nil
		}
		w.log.Warn("post fetch failed",
			slog.String("service", w.ad.Service()),
			slog.String("source", src.ExternalID),
			slog.Any("err", err))
		return err
	}

	fresh := w.selectNew(src, posts)
	if len(fresh) == 0 {
		// Still advance the bound past stale history so it never
		// resurfaces through the freshness window.
		w.advanceBound(ctx, src, posts)
		return nil
	}

	dests, ok := w.activeDestinations(ctx, src)
	if !ok {
		return nil
	}

	name := displayName(src)
	url := w.ad.SourceURL(src.ExternalID, src.DisplayName)
	for _, p := range fresh {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Author != "" && p.Author != src.DisplayName {
			if err := w.store.UpdateSourceName(ctx, src.ID, p.Author); err == nil {
				src.DisplayName = p.Author
				name = p.Author
			}
		}
		w.log.Info("new post",
			slog.String("service", w.ad.Service()),
			slog.String("source", name),
			slog.Int64("post", p.ID))
		w.disp.sendOne(ctx, dests, name, url, renderPost(name, p, url))
		// Persist the bound after each send so a crash mid-batch does
		// not repeat already-announced posts.
		if err := w.store.SetPostBound(ctx, src.ID, p.ID, p.At); err != nil {
			w.log.Error("post bound update failed", slog.Int64("source", src.ID), slog.Any("err", err))
		}
	}
	return nil
}

// selectNew filters to posts beyond the stored bound and inside the
// freshness window, oldest first.
func (w *PostWatcher) selectNew(src storage.Source, posts []Post) []Post {
	cutoff := time.Now().Add(-postFreshness)
	var fresh []Post
	for _, p := range posts {
		if p.ID <= src.LastPostID {
			continue
		}
		if p.At.Before(cutoff) {
			continue
		}
		fresh = append(fresh, p)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	return fresh
}

func (w *PostWatcher) advanceBound(ctx context.Context, src storage.Source, posts []Post) {
	var maxID int64
	var maxAt time.Time
	for _, p := range posts {
		if p.ID > maxID {
			maxID = p.ID
			maxAt = p.At
		}
	}
	if maxID <= src.LastPostID {
		return
	}
	if err := w.store.SetPostBound(ctx, src.ID, maxID, maxAt); err != nil {
		w.log.Error("post bound update failed", slog.Int64("source", src.ID), slog.Any("err", err))
	}
}

// retire drops a source whose upstream identity no longer exists. Each
// destination gets one plain notice, best effort.
func (w *PostWatcher) retire(ctx context.Context, src storage.Source) {
	name := displayName(src)
	if dests, err := w.store.DestinationsFor(ctx, src.ID); err == nil {
		text := html.EscapeString(name) + " no longer exists upstream; tracking removed."
		w.disp.eachDest(ctx, dests, func(ctx context.Context, dest storage.Destination) {
			opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
			if _, err := w.disp.sink.SendText(ctx, target(dest), text, opt); err != nil {
				w.log.Debug("final notice failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
			}
		})
	}
	w.log.Info("source gone upstream, untracking",
		slog.String("service", w.ad.Service()),
		slog.String("source", name))
	if err := w.store.DeleteSource(ctx, src.ID); err != nil {
		w.log.Error("source delete failed", slog.Int64("source", src.ID), slog.Any("err", err))
	}
}

func (w *PostWatcher) activeDestinations(ctx context.Context, src storage.Source) ([]storage.Destination, bool) {
	return resolveDestinations(ctx, w.store, w.ad.Service(), src, w.log)
}
