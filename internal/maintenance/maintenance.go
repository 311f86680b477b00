// Package maintenance runs the periodic housekeeping sweep: orphaned
// sources (no destinations left) and expired dedup keys.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"trackerbot/internal/storage"
)

const defaultSchedule = "17 4 * * *"

type Sweeper struct {
	store storage.Store
	log   *slog.Logger
	cron  *cron.Cron
}

func New(schedule string, store storage.Store, log *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = defaultSchedule
	}
	s := &Sweeper{
		store: store,
		log:   log,
		cron:  cron.New(cron.WithLocation(time.UTC)),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	// Let an in-flight sweep finish, bounded.
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
	}
	return ctx.Err()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	orphans, err := s.store.PruneOrphans(ctx)
	if err != nil {
		s.log.Error("orphan prune failed", slog.Any("err", err))
	}
	dedup, err := s.store.PruneExpiredDedup(ctx)
	if err != nil {
		s.log.Error("dedup prune failed", slog.Any("err", err))
	}
	s.log.Info("maintenance sweep complete",
		slog.Int64("orphans_removed", orphans),
		slog.Int64("dedup_removed", dedup))
}
