// Package core wires the application together: config, storage, the
// Telegram transport, the per-service trackers, and the command
// surface, all supervised under one context.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"trackerbot/internal/config"
	"trackerbot/internal/maintenance"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	"trackerbot/internal/tracker/gameevents"
	"trackerbot/internal/tracker/posts"
	"trackerbot/internal/tracker/streams"
	"trackerbot/internal/transport/telegram"
	logx "trackerbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	logx   logx.Logger
	log    *slog.Logger

	store storage.Store
	sink  *telegram.Adapter

	streamsClient *streams.Client
	postsClient   *posts.Client

	mentionCooldown time.Duration
}

func NewApp(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, logRoot := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(logRoot.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel(cfg.Logging.Level),
	}))

	app := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		logx:   logRoot,
		log:    slogger,
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	app.store, err = storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logRoot.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	app.sink, err = telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, slogger.With(slog.String("comp", "telegram")))
	if err != nil {
		_ = app.store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	app.mentionCooldown, err = config.ParseDurationOrDefault("mentions.cooldown", cfg.Mentions.Cooldown, 6*time.Hour)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Run starts every enabled service and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	sup := NewSupervisor(ctx, a.log.With(slog.String("comp", "supervisor")))

	sup.Go("config-watch", a.cfgMgr.Watch)
	sup.Go0("config-reload", a.watchReloads)

	if err := a.startTrackers(cfg, sup); err != nil {
		sup.Cancel()
		return err
	}

	sweeper, err := maintenance.New(cfg.Maintenance.Schedule, a.store,
		a.log.With(slog.String("comp", "maintenance")))
	if err != nil {
		sup.Cancel()
		return fmt.Errorf("maintenance: %w", err)
	}
	sup.Go("maintenance", sweeper.Run)

	a.registerCommands(cfg)
	sup.Go0("telegram-poll", func(ctx context.Context) {
		stop := context.AfterFunc(ctx, func() { a.sink.Bot().Stop() })
		defer stop()
		a.sink.Start()
	})

	a.log.Info("tracker bot running")
	err = sup.Wait(context.WithoutCancel(ctx))
	a.shutdown()
	return err
}

func (a *App) startTrackers(cfg *config.Config, sup *Supervisor) error {
	if s := cfg.Streams; s != nil && s.Enabled {
		client, err := streams.New(streams.Config{
			BaseURL:      s.BaseURL,
			TokenURL:     s.TokenURL,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
		}, a.log.With(slog.String("comp", "streams")))
		if err != nil {
			return err
		}
		a.streamsClient = client
		interval, err := config.ParseDurationField("streams.interval", s.Interval)
		if err != nil {
			return err
		}
		w := tracker.NewWatcher(tracker.WatcherConfig{
			Interval:        interval,
			EditOnStats:     s.EditOnStats,
			MentionCooldown: a.mentionCooldown,
			FanOut:          s.FanOut,
		}, client, a.store, a.sink, a.log.With(slog.String("comp", "streams")))
		sup.Go("streams-watch", w.Run)
	}

	if p := cfg.Posts; p != nil && p.Enabled {
		client, err := posts.New(posts.Config{
			BaseURL:   p.BaseURL,
			UserAgent: p.UserAgent,
		}, a.log.With(slog.String("comp", "posts")))
		if err != nil {
			return err
		}
		a.postsClient = client
		interval, err := config.ParseDurationField("posts.interval", p.Interval)
		if err != nil {
			return err
		}
		pace, err := config.ParseDurationOrDefault("posts.pace", p.Pace, 2*time.Second)
		if err != nil {
			return err
		}
		w := tracker.NewPostWatcher(tracker.PostWatcherConfig{
			Interval:        interval,
			Pace:            pace,
			MentionCooldown: a.mentionCooldown,
			FanOut:          p.FanOut,
		}, client, a.store, a.sink, a.log.With(slog.String("comp", "posts")))
		sup.Go("posts-watch", w.Run)
	}

	if g := cfg.GameEvents; g != nil && g.Enabled {
		glog := a.log.With(slog.String("comp", "gameevents"))
		notifier := tracker.NewEventNotifier("gameevents", a.store, a.sink, glog, a.mentionCooldown, g.FanOut)
		stream, err := gameevents.New(gameevents.Config{
			URL:       g.URL,
			ServiceID: g.ServiceID,
		}, notifier, a.store, glog)
		if err != nil {
			return err
		}
		sup.Go("gameevents-stream", stream.Run)
	}
	return nil
}

// watchReloads applies hot-reloadable config sections. Sections that
// require a restart (telegram token, storage path, service wiring) are
// logged as such and left alone.
func (a *App) watchReloads(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.logx.Info("config changed", append(attrs,
				logx.String("sections", strings.Join(changed, ",")))...)

			for _, section := range changed {
				switch section {
				case "logging":
					a.logSvc.Apply(logx.Config{
						Level:   cfg.Logging.Level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				default:
					a.logx.Warn("config section requires restart to apply",
						logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}

func (a *App) shutdown() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sink.Close(closeCtx); err != nil {
		a.log.Warn("telegram close", slog.Any("err", err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", slog.Any("err", err))
	}
	_ = a.logSvc.Close()
}

func slogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
