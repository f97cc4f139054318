// Package caching holds the process-wide ristretto-backed LRU caches that
// sit ahead of the kv store for lookups hot enough to matter: the short-id
// interner's reverse direction (§3.2), consulted on every timeline read and
// state walk that only has the numeric short-id to hand.
package caching

import (
	"github.com/dgraph-io/ristretto"
)

// Config sizes the underlying ristretto caches. Zero values fall back to
// sane defaults for a single-process homeserver.
type Config struct {
	NumCounters int64
	MaxCost     int64
}

// Caches groups the reverse-lookup caches shared across the room server.
// A nil *Caches is safe to call methods on - Get always misses and Store is
// a no-op - so callers that construct an Interner without caching (tests,
// short-lived tools) don't need a separate code path.
type Caches struct {
	shortEventIDs *ristretto.Cache
	shortRoomIDs  *ristretto.Cache
}

// New builds a Caches instance from cfg, defaulting NumCounters to 1e6 and
// MaxCost to 16MiB when unset.
func New(cfg Config) (*Caches, error) {
	if cfg.NumCounters == 0 {
		cfg.NumCounters = 1e6
	}
	if cfg.MaxCost == 0 {
		cfg.MaxCost = 1 << 24
	}
	shortEventIDs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	shortRoomIDs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Caches{shortEventIDs: shortEventIDs, shortRoomIDs: shortRoomIDs}, nil
}

// GetEventIDForShort returns the cached event ID for a shorteventid.
func (c *Caches) GetEventIDForShort(short uint64) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.shortEventIDs.Get(short)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// StoreEventIDForShort populates the shorteventid -> event ID cache entry.
func (c *Caches) StoreEventIDForShort(short uint64, eventID string) {
	if c == nil {
		return
	}
	c.shortEventIDs.Set(short, eventID, int64(len(eventID)))
}

// GetRoomIDForShort returns the cached room ID for a shortroomid.
func (c *Caches) GetRoomIDForShort(short uint64) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.shortRoomIDs.Get(short)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// StoreRoomIDForShort populates the shortroomid -> room ID cache entry.
func (c *Caches) StoreRoomIDForShort(short uint64, roomID string) {
	if c == nil {
		return
	}
	c.shortRoomIDs.Set(short, roomID, int64(len(roomID)))
}
