package storage

import (
	"encoding/binary"

	"github.com/dendrite-core/homeserver/internal/kv"
)

func extremityKey(shortRoomID, shortEventID uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], shortRoomID)
	binary.BigEndian.PutUint64(buf[8:16], shortEventID)
	return buf
}

// ForwardExtremities returns the set of shorteventids with no successor in
// shortRoomID, the set any new event's prev_events must cover to extend
// (§3.1 "forward-extremities", §8 invariant: "no event in R has E in its
// prev_events").
func (d *Database) ForwardExtremities(shortRoomID uint64) ([]uint64, error) {
	tbl := d.kv.Table(extremitiesTable)
	var out []uint64
	err := tbl.Iterate(roomPrefix(shortRoomID), func(key, value []byte) bool {
		if len(key) == 16 {
			out = append(out, binary.BigEndian.Uint64(key[8:16]))
		}
		return true
	})
	return out, err
}

// UpdateForwardExtremities removes entries covered by newEvent's prev_events
// and adds newEvent itself, per §4.3 step 9.
func (d *Database) UpdateForwardExtremities(shortRoomID uint64, prevShortEventIDs []uint64, newShortEventID uint64) error {
	tbl := d.kv.Table(extremitiesTable)
	for _, prev := range prevShortEventIDs {
		if err := tbl.Delete(extremityKey(shortRoomID, prev)); err != nil && err != kv.ErrNotFound {
			return err
		}
	}
	return tbl.Put(extremityKey(shortRoomID, newShortEventID), []byte{1})
}
