package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/dendrite-core/homeserver/internal/kv"
)

// PduCount is the signed logical clock ordering a room's timeline (§3.4):
// Normal(n) > 0 allocated from the global counter at append time,
// Backfilled(n) < 0 decreasing from the earliest known event as history is
// fetched backwards.
type PduCount int64

func NormalPduCount(n uint64) PduCount { return PduCount(n) }
func (c PduCount) IsBackfilled() bool  { return c < 0 }

// timelineKey packs (shortroomid, pducount) into a single lexicographically
// sortable key: room first so prefix scans enumerate one room's timeline,
// then the count, bias-shifted so negative (backfilled) counts still sort
// before positive (normal) ones.
func timelineKey(shortRoomID uint64, count PduCount) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], shortRoomID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(count)^0x8000000000000000)
	return buf
}

func roomPrefix(shortRoomID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, shortRoomID)
	return buf
}

// AppendTimelineEvent records shortEventID at count in shortRoomID's log
// (§4.3 step 9: "Append to timeline with a fresh Normal PduCount").
func (d *Database) AppendTimelineEvent(shortRoomID uint64, count PduCount, shortEventID uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, shortEventID)
	return d.kv.Table(timelineTable).Put(timelineKey(shortRoomID, count), buf)
}

// NextNormalPduCount allocates the next Normal count for a room from the
// shared global counter (§3.4: "Normal counts are allocated from a single
// room-wide monotonic counter at append").
func (d *Database) NextNormalPduCount(shortRoomID uint64) (PduCount, error) {
	n, err := d.Counter.Next()
	if err != nil {
		return 0, err
	}
	return PduCount(n), nil
}

// NextBackfilledPduCount allocates the next Backfilled count, decreasing
// from the room's earliest known count.
func (d *Database) NextBackfilledPduCount(shortRoomID uint64) (PduCount, error) {
	tbl := d.kv.Table(roomCounterTable)
	key := append(roomPrefix(shortRoomID), []byte("backfill")...)
	raw, err := tbl.Get(key)
	var cur int64
	if err == nil {
		cur = int64(binary.BigEndian.Uint64(raw))
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	next := cur - 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := tbl.Put(key, buf); err != nil {
		return 0, err
	}
	return PduCount(next), nil
}

// TimelineRange returns shorteventids for counts in [fromExclusive,
// toInclusive] in ascending PduCount order, used to build the `/sync`
// timeline window (§4.4) and to serve federation backfill responses.
func (d *Database) TimelineRange(shortRoomID uint64, fromExclusive, toInclusive PduCount, limit int) ([]uint64, error) {
	tbl := d.kv.Table(timelineTable)
	prefix := roomPrefix(shortRoomID)
	var out []uint64
	err := tbl.Iterate(prefix, func(key, value []byte) bool {
		if len(key) != 16 {
			return true
		}
		count := PduCount(int64(binary.BigEndian.Uint64(key[8:16]) ^ 0x8000000000000000))
		if count <= fromExclusive || count > toInclusive {
			return true
		}
		out = append(out, binary.BigEndian.Uint64(value))
		if limit > 0 && len(out) >= limit {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("storage: timeline range for room %d: %w", shortRoomID, err)
	}
	return out, nil
}

// LatestPduCount returns the highest Normal count appended for the room, or
// 0 if the room has no timeline yet.
func (d *Database) LatestPduCount(shortRoomID uint64) (PduCount, error) {
	tbl := d.kv.Table(timelineTable)
	prefix := roomPrefix(shortRoomID)
	var latest PduCount
	err := tbl.IterateReverse(prefix, func(key, value []byte) bool {
		if len(key) != 16 {
			return true
		}
		latest = PduCount(int64(binary.BigEndian.Uint64(key[8:16]) ^ 0x8000000000000000))
		return false
	})
	if err != nil {
		return 0, err
	}
	return latest, nil
}
