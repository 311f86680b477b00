package tracker

import (
	"context"
	"log/slog"
	"time"

	"trackerbot/internal/storage"
	"trackerbot/internal/transport"
)

// EventNotifier delivers one-shot notifications for push-style
// services (event streams) that do not fit the poll-loop shape. It
// applies the same destination resolution, feature gating, and
// permission handling as the watchers.
type EventNotifier struct {
	service string
	store   Store
	log     *slog.Logger
	disp    dispatcher
}

func NewEventNotifier(service string, store Store, sink transport.Sink, log *slog.Logger, cooldown time.Duration, fanOut int) *EventNotifier {
	return &EventNotifier{
		service: service,
		store:   store,
		log:     log,
		disp: dispatcher{
			sink:     sink,
			store:    store,
			log:      log,
			fanOut:   fanOut,
			cooldown: cooldown,
		},
	}
}

// Sources lists the tracked sources for this service.
func (n *EventNotifier) Sources(ctx context.Context) ([]storage.Source, error) {
	return n.store.ListSources(ctx, n.service)
}

// Notify fans text out to src's active destinations.
func (n *EventNotifier) Notify(ctx context.Context, src storage.Source, url, text string) {
	dests, ok := resolveDestinations(ctx, n.store, n.service, src, n.log)
	if !ok {
		return
	}
	n.disp.sendOne(ctx, dests, displayName(src), url, text)
}
