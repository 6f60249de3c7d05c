package token

import (
	"context"
	"crypto"
	"errors"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/internal/retry"
)

// Errors returned by key lookups.
var (
	ErrUnknownKey = errors.New("token signed by unknown key")
	ErrKeyExpired = errors.New("token signing key expired")
)

// Key is a public key that may verify tokens.
type Key struct {
	KID       string
	Algorithm string
	Public    crypto.PublicKey

	// Expires is zero for keys without expiration.
	Expires time.Time
}

// KeySource lists the approved verification keys.
type KeySource interface {
	Keys(ctx context.Context) ([]Key, error)
}

type keyTable struct {
	keys   map[string]Key
	loaded time.Time
}

// KeyCache holds the keys of a KeySource for a short time. Readers see
// whole tables: a refresh builds a new map and swaps the pointer.
type KeyCache struct {
	source KeySource
	ttl    time.Duration
	now    func() time.Time

	table atomic.Pointer[keyTable]
	group singleflight.Group
}

// NewKeyCache returns a cache reading source at most once per ttl.
func NewKeyCache(source KeySource, ttl time.Duration) *KeyCache {
	return &KeyCache{source: source, ttl: ttl, now: time.Now}
}

// Get returns the key with the given id if it is known and not expired.
func (c *KeyCache) Get(ctx context.Context, kid string) (Key, error) {
	table, err := c.current(ctx)
	if err != nil {
		return Key{}, err
	}
	key, ok := table.keys[kid]
	if !ok {
		return Key{}, ErrUnknownKey
	}
	if !key.Expires.IsZero() && !key.Expires.After(c.now()) {
		return Key{}, ErrKeyExpired
	}
	return key, nil
}

// Invalidate drops the cached table. The next lookup reads the source.
func (c *KeyCache) Invalidate() {
	c.table.Store(nil)
}

func (c *KeyCache) fresh(t *keyTable) bool {
	return t != nil && c.now().Sub(t.loaded) < c.ttl
}

func (c *KeyCache) current(ctx context.Context) (*keyTable, error) {
	if t := c.table.Load(); c.fresh(t) {
		return t, nil
	}

	v, err, _ := c.group.Do("keys", func() (any, error) {
		stale := c.table.Load()
		if c.fresh(stale) {
			return stale, nil
		}

		keys, err := retry.Value(ctx, "load service keys", func() ([]Key, error) {
			return c.source.Keys(ctx)
		})
		if err != nil {
			if stale != nil {
				dcontext.GetLogger(ctx).WithError(err).Warn("refreshing service keys failed, using cached keys")
				return stale, nil
			}
			return nil, err
		}

		t := &keyTable{
			keys:   lo.KeyBy(keys, func(k Key) string { return k.KID }),
			loaded: c.now(),
		}
		c.table.Store(t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keyTable), nil
}

// StaticKeys is a KeySource over a fixed set of keys.
type StaticKeys []Key

// Keys returns the keys.
func (s StaticKeys) Keys(context.Context) ([]Key, error) {
	return s, nil
}
