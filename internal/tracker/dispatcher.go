package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trackerbot/internal/storage"
	"trackerbot/internal/transport"
)

const defaultFanOut = 4

// dispatcher fans notification sends out over a source's destinations
// and keeps the ledger consistent with what is actually on screen.
type dispatcher struct {
	sink  transport.Sink
	store Store
	log   *slog.Logger

	fanOut   int
	cooldown time.Duration
}

func (d *dispatcher) eachDest(ctx context.Context, dests []storage.Destination, fn func(context.Context, storage.Destination)) {
	limit := d.fanOut
	if limit <= 0 {
		limit = defaultFanOut
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, dest := range dests {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(dest storage.Destination) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, dest)
		}(dest)
	}
	wg.Wait()
}

// announce sends the live notification to every destination that has
// no open ledger entry yet, which covers fresh sessions, creates that
// failed transiently on an earlier cycle, and subscribers added
// mid-broadcast. Destinations with an existing message are edited only
// when editExisting is set. Fresh sends get a mention prefix, edits
// never do.
func (d *dispatcher) announce(ctx context.Context, sess storage.Session, dests []storage.Destination, name, url, category, text string, pin, editExisting bool) {
	now := time.Now()
	d.eachDest(ctx, dests, func(ctx context.Context, dest storage.Destination) {
		entry, ok, err := d.store.LedgerEntry(ctx, dest.ID, sess.ID)
		if err != nil {
			d.log.Error("ledger lookup failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
			return
		}
		if ok {
			if entry.Deleted {
				// A chat admin removed the message; leave it gone.
				return
			}
			if editExisting {
				d.edit(ctx, dest, entry, text)
			}
			return
		}

		body := text
		mentioned := false
		if m := mentionPrefix(dest, name, url, category, sess.StartedAt, now, d.cooldown); m != "" {
			body = m + "\n" + text
			mentioned = true
		}
		ref, err := d.sink.SendText(ctx, target(dest), body, &transport.SendOptions{
			ParseMode: "HTML",
			Pin:       pin && dest.Pin,
		})
		if err != nil {
			d.sendFailure(ctx, dest, err)
			return
		}
		// The cooldown is only consumed once the ping actually went out.
		if mentioned {
			if err := d.store.SetLastMention(ctx, dest.ID, now); err != nil {
				d.log.Error("mention timestamp update failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
			}
		}
		if err := d.store.OpenLedger(ctx, dest.ID, sess.ID, ref); err != nil {
			// Duplicate means a concurrent cycle won the race; the
			// extra message is the lesser evil over a missed one.
			d.log.Warn("ledger open failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
		}
	})
}

func (d *dispatcher) edit(ctx context.Context, dest storage.Destination, entry storage.LedgerEntry, text string) {
	err := d.sink.EditText(ctx, entry.Ref, text, &transport.SendOptions{ParseMode: "HTML"})
	switch {
	case err == nil:
	case transport.IsNotFound(err):
		// Message removed out from under us. Remember that so the
		// differ does not re-create it next cycle.
		if err := d.store.MarkLedgerDeleted(ctx, entry.ID); err != nil {
			d.log.Error("ledger mark failed", slog.Int64("entry", entry.ID), slog.Any("err", err))
		}
	case transport.IsPermissionDenied(err):
		d.disable(ctx, dest, err)
	default:
		d.log.Warn("edit failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
	}
}

// finish resolves every outstanding notification for an ended session:
// destinations with the summary flag get the message edited into a
// recap, the rest get it deleted.
func (d *dispatcher) finish(ctx context.Context, sess storage.Session, dests []storage.Destination, summary string) {
	byID := make(map[int64]storage.Destination, len(dests))
	for _, dest := range dests {
		byID[dest.ID] = dest
	}
	entries, err := d.store.LedgerForSession(ctx, sess.ID)
	if err != nil {
		d.log.Error("ledger list failed", slog.Int64("session", sess.ID), slog.Any("err", err))
		return
	}
	var wg sync.WaitGroup
	limit := d.fanOut
	if limit <= 0 {
		limit = defaultFanOut
	}
	sem := make(chan struct{}, limit)
	for _, entry := range entries {
		dest, ok := byID[entry.DestinationID]
		if !ok || entry.Deleted {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(entry storage.LedgerEntry, dest storage.Destination) {
			defer wg.Done()
			defer func() { <-sem }()
			d.finishOne(ctx, dest, entry, summary)
		}(entry, dest)
	}
	wg.Wait()
}

func (d *dispatcher) finishOne(ctx context.Context, dest storage.Destination, entry storage.LedgerEntry, summary string) {
	if dest.Pin {
		if err := d.sink.Unpin(ctx, entry.Ref); err != nil {
			d.log.Debug("unpin failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
		}
	}
	var err error
	if dest.Summary {
		err = d.sink.EditText(ctx, entry.Ref, summary, &transport.SendOptions{ParseMode: "HTML"})
	} else {
		err = d.sink.DeleteMessage(ctx, entry.Ref)
	}
	switch {
	case err == nil, transport.IsNotFound(err):
	case transport.IsPermissionDenied(err):
		d.disable(ctx, dest, err)
	default:
		d.log.Warn("finish failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
	}
}

// sendOne delivers a one-shot notification (posts, game events) that
// never gets edited or recalled later.
func (d *dispatcher) sendOne(ctx context.Context, dests []storage.Destination, name, url, text string) {
	d.eachDest(ctx, dests, func(ctx context.Context, dest storage.Destination) {
		now := time.Now()
		body := text
		mentioned := false
		if m := mentionPrefix(dest, name, url, "", now, now, d.cooldown); m != "" {
			body = m + "\n" + text
			mentioned = true
		}
		opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
		if _, err := d.sink.SendText(ctx, target(dest), body, opt); err != nil {
			d.sendFailure(ctx, dest, err)
			return
		}
		if mentioned {
			if err := d.store.SetLastMention(ctx, dest.ID, now); err != nil {
				d.log.Error("mention timestamp update failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
			}
		}
	})
}

func (d *dispatcher) sendFailure(ctx context.Context, dest storage.Destination, err error) {
	if transport.IsPermissionDenied(err) || transport.IsNotFound(err) {
		d.disable(ctx, dest, err)
		return
	}
	// Transient: next cycle retries naturally, the ledger has no row.
	d.log.Warn("send failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
}

// disable removes a destination the bot can no longer post to
// (kicked, chat deleted, messaging rights revoked).
func (d *dispatcher) disable(ctx context.Context, dest storage.Destination, cause error) {
	d.log.Warn("destination unusable, untracking",
		slog.Int64("dest", dest.ID),
		slog.Int64("chat_id", dest.ChatID),
		slog.Any("err", cause))
	if err := d.store.DeleteDestination(ctx, dest.ID); err != nil {
		d.log.Error("destination delete failed", slog.Int64("dest", dest.ID), slog.Any("err", err))
	}
}

func target(d storage.Destination) transport.ChatTarget {
	return transport.ChatTarget{ChatID: d.ChatID, ThreadID: d.ThreadID}
}
