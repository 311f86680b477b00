package tracker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"trackerbot/internal/storage"
	"trackerbot/internal/transport"
)

const defaultInterval = 3 * time.Minute

// WatcherConfig tunes one service's poll loop.
type WatcherConfig struct {
	// Interval is the minimum cycle period. A cycle that runs longer
	// than this is followed immediately by the next one.
	Interval time.Duration

	// EditOnStats also refreshes the live notification when only the
	// viewer count changed. Off by default to conserve edit quota;
	// title and category changes always refresh.
	EditOnStats bool

	MentionCooldown time.Duration
	FanOut          int
}

// Watcher runs the poll loop for one live-stream service: fetch all
// tracked sources in bulk, diff against stored sessions, and dispatch
// notifications for the transitions.
type Watcher struct {
	cfg   WatcherConfig
	ad    StreamAdapter
	store Store
	log   *slog.Logger

	disp dispatcher
	bo   backoff
}

func NewWatcher(cfg WatcherConfig, ad StreamAdapter, store Store, sink transport.Sink, log *slog.Logger) *Watcher {
	return &Watcher{
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

// Run polls until ctx is canceled. Cycle errors feed the backoff
// controller and never terminate the loop.
func (w *Watcher) Run(ctx context.Context) error {
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

func (w *Watcher) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("cycle panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = errors.New("cycle panic")
		}
	}()
	return w.cycle(ctx)
}

func (w *Watcher) cycle(ctx context.Context) error {
	sources, err := w.store.ListSources(ctx, w.ad.Service())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}

	ids := make([]string, 0, len(sources))
	byID := make(map[string]storage.Source, len(sources))
	for _, src := range sources {
		ids = append(ids, src.ExternalID)
		byID[src.ExternalID] = src
	}

	results, fetchErr := fetchAll(ctx, w.ad, ids)
	for _, res := range results {
		if ctx.Err() != nil {
			break
		}
		src, ok := byID[res.ExternalID]
		if !ok {
			continue
		}
		w.apply(ctx, src, res)
	}
	return fetchErr
}

// apply folds one fetch result into the stored state for one source.
func (w *Watcher) apply(ctx context.Context, src storage.Source, res Result) {
	sess, live, err := w.store.SessionFor(ctx, src.ID)
	if err != nil {
		w.log.Error("session lookup failed", slog.Int64("source", src.ID), slog.Any("err", err))
		return
	}

	switch res.Status {
	case StatusTransient:
		// Unknown liveness never ends a session.
		return

	case StatusNotFound:
		if live {
			w.endSession(ctx, src, sess)
		}

	case StatusFound:
		src = w.refreshName(ctx, src, res.Stream)
		switch {
		case !live:
			w.startSession(ctx, src, res.Stream)
		case sess.SessionKey == res.Stream.SessionKey:
			w.updateSession(ctx, src, sess, res.Stream)
		default:
			// The broadcast restarted under a new key: close out the
			// old one and announce the new one.
			w.endSession(ctx, src, sess)
			w.startSession(ctx, src, res.Stream)
		}
	}
}

func (w *Watcher) refreshName(ctx context.Context, src storage.Source, info StreamInfo) storage.Source {
	if info.DisplayName == "" || info.DisplayName == src.DisplayName {
		return src
	}
	if err := w.store.UpdateSourceName(ctx, src.ID, info.DisplayName); err != nil {
		w.log.Error("name refresh failed", slog.Int64("source", src.ID), slog.Any("err", err))
		return src
	}
	src.DisplayName = info.DisplayName
	return src
}

func (w *Watcher) startSession(ctx context.Context, src storage.Source, info StreamInfo) {
	dests, ok := w.activeDestinations(ctx, src)
	if !ok {
		return
	}

	sess, err := w.store.EnterSession(ctx, storage.Session{
		SourceID:   src.ID,
		SessionKey: info.SessionKey,
		StartedAt:  info.StartedAt,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent cycle beat us; it owns the announcement.
			return
		}
		w.log.Error("session enter failed", slog.Int64("source", src.ID), slog.Any("err", err))
		return
	}
	if err := w.store.UpdateSessionStats(ctx, sess.ID, info.Viewers, info.Title, info.Category); err != nil {
		w.log.Error("session stats failed", slog.Int64("session", sess.ID), slog.Any("err", err))
	}

	name := displayName(src)
	url := w.ad.SourceURL(src.ExternalID, src.DisplayName)
	w.log.Info("source live",
		slog.String("service", w.ad.Service()),
		slog.String("source", name),
		slog.String("session", info.SessionKey))
	w.disp.announce(ctx, sess, dests, name, url, info.Category, renderLive(name, info, url), true, true)
}

func (w *Watcher) updateSession(ctx context.Context, src storage.Source, sess storage.Session, info StreamInfo) {
	detailChanged := info.Title != sess.LastTitle || info.Category != sess.LastCategory

	if err := w.store.UpdateSessionStats(ctx, sess.ID, info.Viewers, info.Title, info.Category); err != nil {
		w.log.Error("session stats failed", slog.Int64("session", sess.ID), slog.Any("err", err))
		return
	}

	dests, ok := w.activeDestinations(ctx, src)
	if !ok {
		return
	}
	name := displayName(src)
	url := w.ad.SourceURL(src.ExternalID, src.DisplayName)
	// Every active cycle re-announces so destinations without a ledger
	// entry (failed create, mid-broadcast subscribe) catch up; existing
	// messages are only edited when something visible changed.
	edit := detailChanged || w.cfg.EditOnStats
	w.disp.announce(ctx, sess, dests, name, url, info.Category, renderLive(name, info, url), true, edit)
}

func (w *Watcher) endSession(ctx context.Context, src storage.Source, sess storage.Session) {
	dests, err := w.destinations(ctx, src)
	if err != nil {
		return
	}
	name := displayName(src)
	url := w.ad.SourceURL(src.ExternalID, src.DisplayName)
	w.log.Info("source offline",
		slog.String("service", w.ad.Service()),
		slog.String("source", name))
	w.disp.finish(ctx, sess, dests, renderSummary(name, sess, time.Now(), url))
	if err := w.store.CompleteSession(ctx, sess.ID); err != nil {
		w.log.Error("session complete failed", slog.Int64("session", sess.ID), slog.Any("err", err))
	}
}

func (w *Watcher) activeDestinations(ctx context.Context, src storage.Source) ([]storage.Destination, bool) {
	return resolveDestinations(ctx, w.store, w.ad.Service(), src, w.log)
}

func (w *Watcher) destinations(ctx context.Context, src storage.Source) ([]storage.Destination, error) {
	dests, err := w.store.DestinationsFor(ctx, src.ID)
	if err != nil {
		w.log.Error("destination list failed", slog.Int64("source", src.ID), slog.Any("err", err))
	}
	return dests, err
}

func displayName(src storage.Source) string {
	if src.DisplayName != "" {
		return src.DisplayName
	}
	return src.ExternalID
}
