package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/dendrite-core/homeserver/internal/kv"
)

// PutEventJSON stores the canonical JSON PDU for shortEventID (§6.4:
// "shorteventid -> canonical-json PDU").
func (d *Database) PutEventJSON(shortEventID uint64, canonicalJSON []byte) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, shortEventID)
	return d.kv.Table(eventJSONTable).Put(buf, canonicalJSON)
}

// EventJSON retrieves the canonical JSON PDU for shortEventID.
func (d *Database) EventJSON(shortEventID uint64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, shortEventID)
	raw, err := d.kv.Table(eventJSONTable).Get(buf)
	if err == kv.ErrNotFound {
		return nil, fmt.Errorf("storage: no event body for shorteventid %d", shortEventID)
	}
	return raw, err
}
