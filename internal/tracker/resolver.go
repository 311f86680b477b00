package tracker

import (
	"context"
	"errors"
	"log/slog"

	"trackerbot/internal/storage"
)

// resolveDestinations decides who should be notified about src right
// now. A source with no destinations at all is untracked on the spot;
// destinations in chats with the service's feature flag off are
// retained but skipped.
func resolveDestinations(ctx context.Context, store Store, service string, src storage.Source, log *slog.Logger) ([]storage.Destination, bool) {
	dests, err := store.DestinationsFor(ctx, src.ID)
	if err != nil {
		log.Error("destination list failed", slog.Int64("source", src.ID), slog.Any("err", err))
		return nil, false
	}
	if len(dests) == 0 {
		log.Info("source has no destinations, untracking", slog.Int64("source", src.ID))
		if err := store.DeleteSource(ctx, src.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("source delete failed", slog.Int64("source", src.ID), slog.Any("err", err))
		}
		return nil, false
	}
	active := make([]storage.Destination, 0, len(dests))
	for _, dest := range dests {
		on, err := store.FeatureEnabled(ctx, dest.ChatID, service)
		if err != nil {
			log.Error("feature lookup failed", slog.Int64("chat_id", dest.ChatID), slog.Any("err", err))
			continue
		}
		if on {
			active = append(active, dest)
		}
	}
	return active, len(active) > 0
}
