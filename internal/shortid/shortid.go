// Package shortid implements the short-id interner (§3.2): bijective
// mappings between full identifiers and dense, monotonically allocated
// 64-bit numeric short-ids, so state operations elsewhere in the module
// compare and diff sets of integers instead of strings.
//
// Grounded on conduwuit's service/rooms/short/data.rs: get-or-create against
// a forward table, with a reverse table populated at the same time so the
// bijection holds in both directions from the first allocation.
package shortid

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dendrite-core/homeserver/internal/caching"
	"github.com/dendrite-core/homeserver/internal/kv"
)

const (
	tableEventIDToShort  = "shortid_eventid_to_short"
	tableShortToEventID  = "shortid_short_to_eventid"
	tableStateKeyToShort = "shortid_statekey_to_short"
	tableShortToStateKey = "shortid_short_to_statekey"
	tableStateHashToShort = "shortid_statehash_to_short"
	tableRoomIDToShort   = "shortid_roomid_to_short"
	tableShortToRoomID   = "shortid_short_to_roomid"
	tableGlobalCounter   = "shortid_global_counter"
)

const stateKeySeparator = 0xFF

// Interner allocates and resolves short-ids. It is backed by the same
// global monotonic counter the room append path uses for PduCounts and sync
// tokens (§5 "Global counter"), so every Interner shares a Counter with the
// rest of the server.
type Interner struct {
	db      kv.Database
	counter *Counter
	caches  *caching.Caches
}

// Counter is the single monotonic u64 backing event ordering, sync tokens,
// and short-id allocation (§3.5, §5). Reads are atomic; increments are only
// safe to call from within the per-room append critical section for the
// event-ordering use, but short-id allocation may call it from anywhere
// since short-ids have no room-level ordering requirement.
type Counter struct {
	db kv.Database
	mu sync.Mutex
}

func NewCounter(db kv.Database) *Counter {
	return &Counter{db: db}
}

// Next allocates and returns the next value, persisting it so restarts
// don't reuse counts.
func (c *Counter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl := c.db.Table(tableGlobalCounter)
	raw, err := tbl.Get([]byte("n"))
	var cur uint64
	if err == nil {
		cur = binary.BigEndian.Uint64(raw)
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	next := cur + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := tbl.Put([]byte("n"), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// Current returns the last allocated value without incrementing, used to
// snapshot next_batch for a sync request (§4.4 step 1).
func (c *Counter) Current() (uint64, error) {
	tbl := c.db.Table(tableGlobalCounter)
	raw, err := tbl.Get([]byte("n"))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func NewInterner(db kv.Database, counter *Counter) *Interner {
	// A misconfigured cache only costs the reverse-lookup speedup, not
	// correctness, so a construction failure here falls back to an
	// always-miss *Caches rather than failing interner setup.
	caches, err := caching.New(caching.Config{})
	if err != nil {
		caches = nil
	}
	return &Interner{db: db, counter: counter, caches: caches}
}

func u64Key(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// GetOrCreateShortEventID returns the shorteventid for eventID, allocating
// one on first sight.
func (in *Interner) GetOrCreateShortEventID(eventID string) (uint64, error) {
	fwd := in.db.Table(tableEventIDToShort)
	if raw, err := fwd.Get([]byte(eventID)); err == nil {
		return binary.BigEndian.Uint64(raw), nil
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	short, err := in.counter.Next()
	if err != nil {
		return 0, err
	}
	if err := fwd.Put([]byte(eventID), u64Key(short)); err != nil {
		return 0, err
	}
	if err := in.db.Table(tableShortToEventID).Put(u64Key(short), []byte(eventID)); err != nil {
		return 0, err
	}
	in.caches.StoreEventIDForShort(short, eventID)
	return short, nil
}

// MultiGetOrCreateShortEventID resolves a batch, preserving input order.
func (in *Interner) MultiGetOrCreateShortEventID(eventIDs []string) ([]uint64, error) {
	out := make([]uint64, len(eventIDs))
	for i, id := range eventIDs {
		short, err := in.GetOrCreateShortEventID(id)
		if err != nil {
			return nil, err
		}
		out[i] = short
	}
	return out, nil
}

// EventIDFromShort resolves the reverse direction.
func (in *Interner) EventIDFromShort(short uint64) (string, error) {
	if eventID, ok := in.caches.GetEventIDForShort(short); ok {
		return eventID, nil
	}
	raw, err := in.db.Table(tableShortToEventID).Get(u64Key(short))
	if err != nil {
		if err == kv.ErrNotFound {
			return "", fmt.Errorf("shortid: shorteventid %d does not exist", short)
		}
		return "", err
	}
	in.caches.StoreEventIDForShort(short, string(raw))
	return string(raw), nil
}

func stateKeyBytes(eventType, stateKey string) []byte {
	buf := make([]byte, 0, len(eventType)+1+len(stateKey))
	buf = append(buf, []byte(eventType)...)
	buf = append(buf, stateKeySeparator)
	buf = append(buf, []byte(stateKey)...)
	return buf
}

// GetShortStateKey returns the shortstatekey for (eventType, stateKey) if it
// has already been allocated, without creating one.
func (in *Interner) GetShortStateKey(eventType, stateKey string) (uint64, bool, error) {
	raw, err := in.db.Table(tableStateKeyToShort).Get(stateKeyBytes(eventType, stateKey))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// GetOrCreateShortStateKey allocates a shortstatekey on first sight.
func (in *Interner) GetOrCreateShortStateKey(eventType, stateKey string) (uint64, error) {
	key := stateKeyBytes(eventType, stateKey)
	fwd := in.db.Table(tableStateKeyToShort)
	if raw, err := fwd.Get(key); err == nil {
		return binary.BigEndian.Uint64(raw), nil
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	short, err := in.counter.Next()
	if err != nil {
		return 0, err
	}
	if err := fwd.Put(key, u64Key(short)); err != nil {
		return 0, err
	}
	if err := in.db.Table(tableShortToStateKey).Put(u64Key(short), key); err != nil {
		return 0, err
	}
	return short, nil
}

// StateKeyFromShort resolves the reverse direction, splitting on the 0xFF
// separator the way conduwuit's shortstatekey_statekey column does.
func (in *Interner) StateKeyFromShort(short uint64) (eventType string, stateKey string, err error) {
	raw, err := in.db.Table(tableShortToStateKey).Get(u64Key(short))
	if err != nil {
		if err == kv.ErrNotFound {
			return "", "", fmt.Errorf("shortid: shortstatekey %d does not exist", short)
		}
		return "", "", err
	}
	for i, b := range raw {
		if b == stateKeySeparator {
			return string(raw[:i]), string(raw[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("shortid: malformed statekey record for short %d", short)
}

// GetOrCreateShortStateHash returns the shortstatehash identifying the given
// state-set hash, and whether it already existed (callers use this to avoid
// recomputing a state-compressor layer that's already on disk).
func (in *Interner) GetOrCreateShortStateHash(stateHash []byte) (short uint64, existed bool, err error) {
	tbl := in.db.Table(tableStateHashToShort)
	if raw, err := tbl.Get(stateHash); err == nil {
		return binary.BigEndian.Uint64(raw), true, nil
	} else if err != kv.ErrNotFound {
		return 0, false, err
	}
	short, err = in.counter.Next()
	if err != nil {
		return 0, false, err
	}
	if err := tbl.Put(stateHash, u64Key(short)); err != nil {
		return 0, false, err
	}
	return short, false, nil
}

// GetShortRoomID returns the shortroomid if already allocated.
func (in *Interner) GetShortRoomID(roomID string) (uint64, bool, error) {
	raw, err := in.db.Table(tableRoomIDToShort).Get([]byte(roomID))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// GetOrCreateShortRoomID allocates a shortroomid on first sight.
func (in *Interner) GetOrCreateShortRoomID(roomID string) (uint64, error) {
	fwd := in.db.Table(tableRoomIDToShort)
	if raw, err := fwd.Get([]byte(roomID)); err == nil {
		return binary.BigEndian.Uint64(raw), nil
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	short, err := in.counter.Next()
	if err != nil {
		return 0, err
	}
	if err := fwd.Put([]byte(roomID), u64Key(short)); err != nil {
		return 0, err
	}
	if err := in.db.Table(tableShortToRoomID).Put(u64Key(short), []byte(roomID)); err != nil {
		return 0, err
	}
	in.caches.StoreRoomIDForShort(short, roomID)
	return short, nil
}

// RoomIDFromShort resolves the reverse direction.
func (in *Interner) RoomIDFromShort(short uint64) (string, error) {
	if roomID, ok := in.caches.GetRoomIDForShort(short); ok {
		return roomID, nil
	}
	raw, err := in.db.Table(tableShortToRoomID).Get(u64Key(short))
	if err != nil {
		if err == kv.ErrNotFound {
			return "", fmt.Errorf("shortid: shortroomid %d does not exist", short)
		}
		return "", err
	}
	in.caches.StoreRoomIDForShort(short, string(raw))
	return string(raw), nil
}
