package core

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	"trackerbot/internal/config"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker/gameevents"
)

// Service keys as stored in tracked_source rows.
const (
	svcStreams    = "streams"
	svcPosts      = "posts"
	svcGameEvents = "gameevents"
)

func (a *App) registerCommands(cfg *config.Config) {
	owners := make(map[int64]bool, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		owners[id] = true
	}
	h := &commandHandler{app: a, owners: owners}

	b := a.sink.Bot()
	b.Handle("/track", h.authorized(h.track))
	b.Handle("/untrack", h.authorized(h.untrack))
	b.Handle("/tracked", h.authorized(h.tracked))
	b.Handle("/feature", h.authorized(h.feature))
	b.Handle("/mention", h.authorized(h.mention))
	b.Handle("/summary", h.authorized(h.flag("summary")))
	b.Handle("/pin", h.authorized(h.flag("pin")))
	b.Handle("/help", h.help)
	b.Handle("/start", h.help)
}

type commandHandler struct {
	app    *App
	owners map[int64]bool
}

// authorized restricts commands to configured owners, chat
// administrators, and anyone in their own private chat.
func (h *commandHandler) authorized(fn func(tele.Context) error) func(tele.Context) error {
	return func(c tele.Context) error {
		if h.mayManage(c) {
			return fn(c)
		}
		return c.Reply("Only chat administrators can manage tracking here.")
	}
}

func (h *commandHandler) mayManage(c tele.Context) bool {
	sender := c.Sender()
	if sender == nil {
		return false
	}
	if h.owners[sender.ID] {
		return true
	}
	chat := c.Chat()
	if chat == nil {
		return false
	}
	if chat.Type == tele.ChatPrivate {
		return true
	}
	member, err := c.Bot().ChatMemberOf(chat, sender)
	if err != nil {
		return false
	}
	return member.Role == tele.Creator || member.Role == tele.Administrator
}

func (h *commandHandler) help(c tele.Context) error {
	return c.Reply(strings.Join([]string{
		"Commands:",
		"/track <streams|posts|events> <id> - start tracking in this chat",
		"/untrack <streams|posts|events> <id> - stop tracking",
		"/tracked - list what this chat follows",
		"/feature <streams|posts|events> <on|off> - mute a whole service here",
		"/mention <service> <id> [game=<category>] [text] - set the ping line ({name}, {url}); empty clears",
		"/summary <service> <id> <on|off> - keep a recap when a stream ends",
		"/pin <service> <id> <on|off> - pin live notifications",
	}, "\n"))
}

func (h *commandHandler) track(c tele.Context) error {
	service, rest, err := parseServiceArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	if len(rest) == 0 {
		return c.Reply("Usage: /track " + service + " <id>")
	}

	ctx := contextOf(c)
	externalID, displayName, err := h.resolve(c, service, rest[0])
	if err != nil {
		return c.Reply(err.Error())
	}

	store := h.app.store
	src, err := createOrFindSource(ctx, store, service, externalID, displayName)
	if err != nil {
		return replyErr(c, err)
	}

	_, err = store.AddDestination(ctx, storage.Destination{
		SourceID: src.ID,
		ChatID:   c.Chat().ID,
		ThreadID: threadOf(c),
		AddedBy:  c.Sender().ID,
		Summary:  true,
	})
	if errors.Is(err, storage.ErrConflict) {
		return c.Reply("Already tracking " + displayLabel(src, displayName) + " here.")
	}
	if err != nil {
		return replyErr(c, err)
	}
	return c.Reply("Now tracking " + displayLabel(src, displayName) + ".")
}

func (h *commandHandler) untrack(c tele.Context) error {
	service, rest, err := parseServiceArgs(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	if len(rest) == 0 {
		return c.Reply("Usage: /untrack " + service + " <id>")
	}

	ctx := contextOf(c)
	dest, src, err := h.findDestination(c, service, rest[0])
	if err != nil {
		return c.Reply(err.Error())
	}

	store := h.app.store
	if err := store.DeleteDestination(ctx, dest.ID); err != nil {
		return replyErr(c, err)
	}
	// Drop the source entirely once nobody follows it.
	remaining, err := store.DestinationsFor(ctx, src.ID)
	if err == nil && len(remaining) == 0 {
		_ = store.DeleteSource(ctx, src.ID)
	}
	return c.Reply("Stopped tracking " + displayLabel(src, src.DisplayName) + ".")
}

func (h *commandHandler) tracked(c tele.Context) error {
	ctx := contextOf(c)
	dests, err := h.app.store.DestinationsInChat(ctx, c.Chat().ID)
	if err != nil {
		return replyErr(c, err)
	}
	if len(dests) == 0 {
		return c.Reply("Nothing is tracked in this chat.")
	}

	var b strings.Builder
	b.WriteString("Tracked in this chat:\n")
	for _, d := range dests {
		src, ok, err := h.app.store.SourceByID(ctx, d.SourceID)
		if err != nil || !ok {
			continue
		}
		fmt.Fprintf(&b, "• %s: %s", src.Service, html.EscapeString(displayLabel(src, src.DisplayName)))
		var opts []string
		if d.Summary {
			opts = append(opts, "summary")
		}
		if d.Pin {
			opts = append(opts, "pin")
		}
		if d.MentionRole != "" || d.MentionText != "" || len(d.MentionOverrides) > 0 {
			opts = append(opts, "mention")
		}
		if len(opts) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(opts, ", "))
		}
		b.WriteString("\n")
	}
	return c.Reply(b.String(), tele.ModeHTML)
}

func (h *commandHandler) feature(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Reply("Usage: /feature <streams|posts|events> <on|off>")
	}
	service, err := canonicalService(args[0])
	if err != nil {
		return c.Reply(err.Error())
	}
	enabled, err := parseOnOff(args[1])
	if err != nil {
		return c.Reply(err.Error())
	}
	if err := h.app.store.SetFeature(contextOf(c), c.Chat().ID, service, enabled); err != nil {
		return replyErr(c, err)
	}
	state := "muted"
	if enabled {
		state = "enabled"
	}
	return c.Reply(fmt.Sprintf("%s notifications %s for this chat.", service, state))
}

func (h *commandHandler) mention(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Reply("Usage: /mention <service> <id> [text]")
	}
	service, err := canonicalService(args[0])
	if err != nil {
		return c.Reply(err.Error())
	}
	dest, src, err := h.findDestination(c, service, args[1])
	if err != nil {
		return c.Reply(err.Error())
	}

	rest := args[2:]
	var category string
	if len(rest) > 0 && strings.HasPrefix(rest[0], "game=") {
		// Underscores stand in for spaces in the category name.
		category = strings.ReplaceAll(strings.TrimPrefix(rest[0], "game="), "_", " ")
		rest = rest[1:]
	}
	text := strings.Join(rest, " ")

	switch {
	case category != "" && text == "":
		for k := range dest.MentionOverrides {
			if strings.EqualFold(k, category) {
				delete(dest.MentionOverrides, k)
			}
		}
	case category != "":
		if dest.MentionOverrides == nil {
			dest.MentionOverrides = make(map[string]string)
		}
		dest.MentionOverrides[category] = text
	default:
		dest.MentionText = text
		dest.MentionRole = ""
	}
	if err := h.app.store.UpdateDestination(contextOf(c), dest); err != nil {
		return replyErr(c, err)
	}
	label := displayLabel(src, src.DisplayName)
	if category != "" {
		if text == "" {
			return c.Reply(fmt.Sprintf("Mention override for %q cleared for %s.", category, label))
		}
		return c.Reply(fmt.Sprintf("Mention override for %q set for %s.", category, label))
	}
	if text == "" {
		return c.Reply("Mention cleared for " + label + ".")
	}
	return c.Reply("Mention set for " + label + ".")
}

// flag builds the handler for the boolean per-destination toggles.
func (h *commandHandler) flag(name string) func(tele.Context) error {
	return func(c tele.Context) error {
		args := c.Args()
		if len(args) != 3 {
			return c.Reply(fmt.Sprintf("Usage: /%s <service> <id> <on|off>", name))
		}
		service, err := canonicalService(args[0])
		if err != nil {
			return c.Reply(err.Error())
		}
		on, err := parseOnOff(args[2])
		if err != nil {
			return c.Reply(err.Error())
		}
		dest, src, err := h.findDestination(c, service, args[1])
		if err != nil {
			return c.Reply(err.Error())
		}

		switch name {
		case "summary":
			dest.Summary = on
		case "pin":
			dest.Pin = on
		}
		if err := h.app.store.UpdateDestination(contextOf(c), dest); err != nil {
			return replyErr(c, err)
		}
		return c.Reply(fmt.Sprintf("%s %s for %s.", name, onOff(on), displayLabel(src, src.DisplayName)))
	}
}

// createOrFindSource registers a source, falling through to the
// existing row when a concurrent /track got there first.
func createOrFindSource(ctx context.Context, store storage.Store, service, externalID, displayName string) (storage.Source, error) {
	src, err := store.CreateSource(ctx, service, externalID, displayName)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return storage.Source{}, err
	}
	src, found, err := store.FindSource(ctx, service, externalID)
	if err != nil {
		return storage.Source{}, err
	}
	if !found {
		return storage.Source{}, fmt.Errorf("source %s/%s vanished after conflict", service, externalID)
	}
	return src, nil
}

// resolve turns a user-supplied identifier into the service's external
// id plus a display name.
func (h *commandHandler) resolve(c tele.Context, service, raw string) (externalID, displayName string, err error) {
	switch service {
	case svcStreams:
		client := h.app.streamsClient
		if client == nil {
			return "", "", errors.New("stream tracking is not enabled")
		}
		login := strings.ToLower(strings.TrimPrefix(raw, "@"))
		users, err := client.UsersByLogin(contextOf(c), []string{login})
		if err != nil {
			return "", "", errors.New("could not reach the streaming platform, try again later")
		}
		u, ok := users[login]
		if !ok {
			return "", "", fmt.Errorf("no channel named %q found", raw)
		}
		return u.ID, u.DisplayName, nil

	case svcPosts:
		if h.app.postsClient == nil {
			return "", "", errors.New("post tracking is not enabled")
		}
		acct := strings.ToLower(strings.TrimPrefix(raw, "@"))
		if acct == "" {
			return "", "", errors.New("account name required")
		}
		return acct, raw, nil

	case svcGameEvents:
		id, name, ok := gameevents.ResolveWorld(raw)
		if !ok {
			return "", "", fmt.Errorf("unknown world %q", raw)
		}
		return id, name, nil
	}
	return "", "", fmt.Errorf("unknown service %q", service)
}

// findDestination locates the destination row binding this chat to the
// identified source.
func (h *commandHandler) findDestination(c tele.Context, service, raw string) (storage.Destination, storage.Source, error) {
	ctx := contextOf(c)
	externalID, _, err := h.resolve(c, service, raw)
	if err != nil {
		return storage.Destination{}, storage.Source{}, err
	}
	src, found, err := h.app.store.FindSource(ctx, service, externalID)
	if err != nil || !found {
		return storage.Destination{}, storage.Source{}, fmt.Errorf("%q is not tracked", raw)
	}
	dests, err := h.app.store.DestinationsFor(ctx, src.ID)
	if err != nil {
		return storage.Destination{}, storage.Source{}, errors.New("storage error, try again")
	}
	chatID, threadID := c.Chat().ID, threadOf(c)
	for _, d := range dests {
		if d.ChatID == chatID && d.ThreadID == threadID {
			return d, src, nil
		}
	}
	return storage.Destination{}, storage.Source{}, fmt.Errorf("%q is not tracked in this chat", raw)
}

func parseServiceArgs(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, errors.New("Usage: /track <streams|posts|events> <id>")
	}
	service, err := canonicalService(args[0])
	if err != nil {
		return "", nil, err
	}
	return service, args[1:], nil
}

func canonicalService(s string) (string, error) {
	switch strings.ToLower(s) {
	case "streams", "stream":
		return svcStreams, nil
	case "posts", "post":
		return svcPosts, nil
	case "events", "event", "gameevents":
		return svcGameEvents, nil
	}
	return "", fmt.Errorf("unknown service %q (use streams, posts, or events)", s)
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func displayLabel(src storage.Source, fallback string) string {
	if src.DisplayName != "" {
		return src.DisplayName
	}
	if fallback != "" {
		return fallback
	}
	return src.ExternalID
}

func threadOf(c tele.Context) int {
	if msg := c.Message(); msg != nil {
		return msg.ThreadID
	}
	return 0
}

// contextOf supplies the context for handler-side storage and API
// work; telebot handlers do not carry a request context of their own.
func contextOf(_ tele.Context) context.Context {
	return context.Background()
}

func replyErr(c tele.Context, err error) error {
	_ = c.Reply("Something went wrong, try again later.")
	return err
}
