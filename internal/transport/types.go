package transport

import (
	"context"
	"errors"
)

// ChatTarget identifies one destination chat (and optional forum topic thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message previously sent to a destination.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool

	// Pin requests that the sent message be pinned in the destination chat.
	// Best-effort: pin failures do not fail the send.
	Pin bool
}

// Failure taxonomy for sink operations. Everything not matching one of these
// sentinels is treated as transient and retried on a later cycle.
var (
	// ErrPermissionDenied means the bot cannot post to the destination.
	// Permanent: callers should auto-disable the destination, never retry.
	ErrPermissionDenied = errors.New("transport: permission denied")

	// ErrNotFound means the chat or message no longer exists.
	ErrNotFound = errors.New("transport: not found")
)

func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }

// Sink is the destination-messaging surface consumed by the trackers.
// Implementations classify platform errors into the taxonomy above.
type Sink interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// Unpin removes a pin if present. Best-effort; unknown pins are not errors.
	Unpin(ctx context.Context, ref MessageRef) error
}
