// Package throttle counts failed attempts per identity over a sliding window.
package throttle

import (
	"context"
	"strings"
	"time"
)

// Counter is a keyed counter with per-key expiry.
// Satisfied by *store.RedisCounter.
type Counter interface {
	// Increment adds one to key and (re)sets its expiry to ttl from now.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current count without changing it; 0 when absent.
	Get(ctx context.Context, key string) (int64, error)
	// Clear deletes the key.
	Clear(ctx context.Context, key string) error
}

// Guard tracks failures for one kind of attempt (e.g. password login).
type Guard struct {
	counter   Counter
	prefix    string
	window    time.Duration
	threshold int
}

// New returns a Guard that namespaces keys with prefix, expires counts after window
// of inactivity, and reports Reached once a count hits threshold.
func New(counter Counter, prefix string, window time.Duration, threshold int) *Guard {
	return &Guard{counter: counter, prefix: prefix, window: window, threshold: threshold}
}

// FailedLoginPrefix is the key namespace for failed password logins.
const FailedLoginPrefix = "auth:failed-login:"

func (g *Guard) key(identity string) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(identity))
	if id == "" {
		return "", false
	}
	return g.prefix + id, true
}

// RecordFailure counts one failure and slides the window. Returns the new count.
// An empty identity isn't counted and returns 0.
func (g *Guard) RecordFailure(ctx context.Context, identity string) (int, error) {
	key, ok := g.key(identity)
	if !ok {
		return 0, nil
	}
	n, err := g.counter.Increment(ctx, key, g.window)
	return int(n), err
}

// Clear forgets all failures for identity.
func (g *Guard) Clear(ctx context.Context, identity string) error {
	key, ok := g.key(identity)
	if !ok {
		return nil
	}
	return g.counter.Clear(ctx, key)
}

// Peek returns the current failure count without recording anything.
func (g *Guard) Peek(ctx context.Context, identity string) (int, error) {
	key, ok := g.key(identity)
	if !ok {
		return 0, nil
	}
	n, err := g.counter.Get(ctx, key)
	return int(n), err
}

// Reached reports whether count is at or past the threshold.
func (g *Guard) Reached(count int) bool {
	return g.threshold > 0 && count >= g.threshold
}

// Window is the sliding window length.
func (g *Guard) Window() time.Duration { return g.window }
