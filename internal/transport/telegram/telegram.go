package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"trackerbot/internal/transport"
)

type Config struct {
	Token string

	// RatePerSec bounds outbound API calls across all trackers.
	// Telegram allows ~30 messages/sec bot-wide; stay under it.
	RatePerSec int
}

// Adapter implements transport.Sink on top of the Telegram Bot API.
type Adapter struct {
	cfg Config
	log *slog.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Bot exposes the underlying client for command registration.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Start begins long polling for updates. Blocks until the bot is
// stopped via Close.
func (a *Adapter) Start() { a.bot.Start() }

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	})
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
	if opt.Pin {
		if err := a.bot.Pin(msg, tele.Silent); err != nil {
			a.log.Debug("pin failed", slog.Int64("chat_id", to.ChatID), slog.Any("err", err))
		}
	}
	return ref, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	})
	if err != nil && !errors.Is(err, tele.ErrSameMessageContent) {
		return classify(err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if err := a.bot.Delete(m); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Unpin(ctx context.Context, ref transport.MessageRef) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.bot.Unpin(&tele.Chat{ID: ref.ChatID}, ref.MessageID); err != nil {
		// An unpinned message is the desired end state either way.
		if transport.IsNotFound(classify(err)) {
			return nil
		}
		return classify(err)
	}
	return nil
}

// classify maps Telegram API errors onto the transport taxonomy.
// Unmatched errors pass through unchanged and count as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		// Rate limited: transient by definition, retried next cycle.
		return fmt.Errorf("telegram flood (retry after %ds): %w", flood.RetryAfter, err)
	}
	var api *tele.Error
	if errors.As(err, &api) {
		switch {
		case api.Code == 403:
			return fmt.Errorf("%w: %s", transport.ErrPermissionDenied, api.Description)
		case api.Code == 400 && strings.Contains(strings.ToLower(api.Description), "not found"):
			return fmt.Errorf("%w: %s", transport.ErrNotFound, api.Description)
		case api.Code == 400 && strings.Contains(strings.ToLower(api.Description), "message can't be deleted"):
			return fmt.Errorf("%w: %s", transport.ErrPermissionDenied, api.Description)
		}
	}
	return err
}

// Close stops the underlying bot client, unwinding the update loop if
// Start was called.
func (a *Adapter) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.bot.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}
