package tracker

import (
	"errors"
	"time"
)

// Backoff floors and ceilings. Network faults recover fast; HTTP-level
// faults (bad gateway, auth expiry) start higher and climb further.
const (
	netFloor  = 1 * time.Second
	netCeil   = 16 * time.Second
	httpFloor = 5 * time.Second
	httpCeil  = 320 * time.Second
)

// backoff tracks consecutive-failure delay state for one poll loop.
// Not safe for concurrent use; each watcher owns one.
type backoff struct {
	netDelay  time.Duration
	httpDelay time.Duration
	rateDelay time.Duration
}

// success resets all failure state.
func (b *backoff) success() {
	b.netDelay = 0
	b.httpDelay = 0
	b.rateDelay = 0
}

// next classifies err and returns the extra delay to apply before the
// following cycle. Delays double per consecutive failure of the same
// class, independently per class.
func (b *backoff) next(err error, now time.Time) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		// No ceiling on this class: keep doubling while the platform
		// keeps rejecting. The reset hint below is the real bound.
		if b.rateDelay <= 0 {
			b.rateDelay = httpFloor
		} else {
			b.rateDelay *= 2
		}
		// Honor the platform's reset hint when it is further out than
		// our own doubling schedule.
		if wait := rl.ResetAt.Sub(now); wait > b.rateDelay {
			return wait
		}
		return b.rateDelay
	}
	var he *HTTPError
	if errors.As(err, &he) {
		b.httpDelay = doubling(b.httpDelay, httpFloor, httpCeil)
		return b.httpDelay
	}
	b.netDelay = doubling(b.netDelay, netFloor, netCeil)
	return b.netDelay
}

func doubling(cur, floor, ceil time.Duration) time.Duration {
	if cur <= 0 {
		return floor
	}
	cur *= 2
	if cur > ceil {
		return ceil
	}
	return cur
}
