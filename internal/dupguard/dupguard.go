// Package dupguard implements the cross-process duplicate-connection guard
// of SPEC_FULL.md ambient item 12: a SETNX-based lock over pkg/cache's Redis
// client so two gateway processes never both bind the same (CompositeKey,
// host profile), which is the multi-process analogue of registry.Registry's
// own single-threaded duplicate-bind check (spec.md §4.1).
package dupguard

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/fixgateway/internal/compositekey"
)

// Cache is the subset of pkg/cache.RedisCache the guard needs, narrowed so
// tests can supply a fake without a live Redis server.
type Cache interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Guard acquires and renews the distributed lock. owner identifies this
// gateway process (e.g. hostname:pid) so a held lock's value can be
// inspected for diagnostics; the lock's correctness only depends on SETNX,
// not on the value.
type Guard struct {
	cache Cache
	ttl   time.Duration
	owner string
}

// New returns a Guard whose locks expire after ttl if never renewed, so a
// crashed holder's lock is eventually reclaimed without manual
// intervention.
func New(cache Cache, ttl time.Duration, owner string) *Guard {
	return &Guard{cache: cache, ttl: ttl, owner: owner}
}

func lockKey(key compositekey.CompositeKey, hostProfile string) (string, error) {
	h, err := compositekey.Hash(key)
	if err != nil {
		return "", fmt.Errorf("dupguard: hash composite key: %w", err)
	}
	return fmt.Sprintf("fixgateway:session-lock:%s:%s", h, hostProfile), nil
}

// Acquire attempts to take the lock for (key, hostProfile). It returns
// false, nil if another process already holds it.
func (g *Guard) Acquire(ctx context.Context, key compositekey.CompositeKey, hostProfile string) (bool, error) {
	lk, err := lockKey(key, hostProfile)
	if err != nil {
		return false, err
	}
	ok, err := g.cache.SetNX(ctx, lk, g.owner, g.ttl)
	if err != nil {
		return false, fmt.Errorf("dupguard: acquire: %w", err)
	}
	return ok, nil
}

// Renew extends the lock's TTL; callers should renew well before ttl
// elapses (e.g. from the engine's idle-tick backoff) to keep a live
// session's lock from expiring out from under it.
func (g *Guard) Renew(ctx context.Context, key compositekey.CompositeKey, hostProfile string) error {
	lk, err := lockKey(key, hostProfile)
	if err != nil {
		return err
	}
	if err := g.cache.Expire(ctx, lk, g.ttl); err != nil {
		return fmt.Errorf("dupguard: renew: %w", err)
	}
	return nil
}

// Release drops the lock, e.g. once registry.Registry.MarkTerminal fires.
func (g *Guard) Release(ctx context.Context, key compositekey.CompositeKey, hostProfile string) error {
	lk, err := lockKey(key, hostProfile)
	if err != nil {
		return err
	}
	if err := g.cache.Delete(ctx, lk); err != nil {
		return fmt.Errorf("dupguard: release: %w", err)
	}
	return nil
}
