package storage

import "encoding/binary"

func tokenStateKey(shortRoomID, token uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], shortRoomID)
	binary.BigEndian.PutUint64(buf[8:16], token)
	return buf
}

// RecordTokenState indexes (room, token) -> shortstatehash, letting a sync
// request at an arbitrary since-token recover the room's state at that
// point without replaying the whole timeline (§3.5, §6.4).
func (d *Database) RecordTokenState(shortRoomID, token, shortStateHash uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, shortStateHash)
	return d.kv.Table(tokenStateTable).Put(tokenStateKey(shortRoomID, token), buf)
}

// StateHashAtOrBeforeToken returns the shortstatehash recorded for the
// greatest token <= the requested one, the lookup `/sync` since-token
// diffing needs (§4.4 step 3).
func (d *Database) StateHashAtOrBeforeToken(shortRoomID, token uint64) (uint64, bool, error) {
	tbl := d.kv.Table(tokenStateTable)
	prefix := roomPrefix(shortRoomID)
	var found uint64
	var ok bool
	err := tbl.IterateReverse(prefix, func(key, value []byte) bool {
		if len(key) != 16 {
			return true
		}
		keyToken := binary.BigEndian.Uint64(key[8:16])
		if keyToken > token {
			return true // keep scanning backwards until we're at or below the target
		}
		found = binary.BigEndian.Uint64(value)
		ok = true
		return false
	})
	return found, ok, err
}

// SetCurrentStateHash records the room's current shortstatehash, i.e. the
// pdu_shortstatehash of the most recent forward-extremity after state
// resolution (§3.3).
func (d *Database) SetCurrentStateHash(shortRoomID, shortStateHash uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, shortStateHash)
	return d.kv.Table(currentStateHashTable).Put(roomPrefix(shortRoomID), buf)
}

func (d *Database) CurrentStateHash(shortRoomID uint64) (uint64, bool, error) {
	raw, err := d.kv.Table(currentStateHashTable).Get(roomPrefix(shortRoomID))
	if err != nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(raw), true, nil
}
