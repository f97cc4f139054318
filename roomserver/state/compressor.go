package state

import (
	"encoding/binary"
	"fmt"

	"github.com/dendrite-core/homeserver/internal/kv"
)

// Compact is the on-disk record for one (shortstatekey, shorteventid) pair
// (§3.3: "a compact on-disk representation ... as the set of
// (shortstatekey, shorteventid) pairs"), packed as 16 bytes: 8 bytes
// shortstatekey, 8 bytes shorteventid.
type Compact [16]byte

func NewCompact(shortStateKey, shortEventID uint64) Compact {
	var c Compact
	binary.BigEndian.PutUint64(c[0:8], shortStateKey)
	binary.BigEndian.PutUint64(c[8:16], shortEventID)
	return c
}

func (c Compact) ShortStateKey() uint64 { return binary.BigEndian.Uint64(c[0:8]) }
func (c Compact) ShortEventID() uint64  { return binary.BigEndian.Uint64(c[8:16]) }

// CompactSet is a full state set in its compressed, shortid-keyed form:
// shortstatekey -> shorteventid. Diffing and comparing these is the whole
// point of interning (§3.2's rationale).
type CompactSet map[uint64]uint64

const (
	layerTable = "state_layer"
)

// layer is what's actually stored on disk for one shortstatehash: the
// parent's shortstatehash (0 = no parent, this layer is a full snapshot)
// plus the added/removed pairs versus that parent.
type layer struct {
	ParentHash uint64
	Added      CompactSet
	Removed    map[uint64]struct{} // shortstatekey -> removed (key existed in parent, absent here)
}

// Compressor stores and resolves layered state sets, keyed by
// shortstatehash (§3.3).
type Compressor struct {
	db kv.Database
}

func NewCompressor(db kv.Database) *Compressor {
	return &Compressor{db: db}
}

func encodeLayer(l *layer) []byte {
	buf := make([]byte, 8, 8+len(l.Added)*16+len(l.Removed)*8+16)
	binary.BigEndian.PutUint64(buf[0:8], l.ParentHash)
	addedCount := make([]byte, 8)
	binary.BigEndian.PutUint64(addedCount, uint64(len(l.Added)))
	buf = append(buf, addedCount...)
	for sk, se := range l.Added {
		c := NewCompact(sk, se)
		buf = append(buf, c[:]...)
	}
	removedCount := make([]byte, 8)
	binary.BigEndian.PutUint64(removedCount, uint64(len(l.Removed)))
	buf = append(buf, removedCount...)
	for sk := range l.Removed {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, sk)
		buf = append(buf, b...)
	}
	return buf
}

func decodeLayer(buf []byte) (*layer, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("state: truncated layer record")
	}
	l := &layer{Added: CompactSet{}, Removed: map[uint64]struct{}{}}
	l.ParentHash = binary.BigEndian.Uint64(buf[0:8])
	addedCount := binary.BigEndian.Uint64(buf[8:16])
	off := 16
	for i := uint64(0); i < addedCount; i++ {
		if off+16 > len(buf) {
			return nil, fmt.Errorf("state: truncated added entries")
		}
		var c Compact
		copy(c[:], buf[off:off+16])
		l.Added[c.ShortStateKey()] = c.ShortEventID()
		off += 16
	}
	if off+8 > len(buf) {
		return nil, fmt.Errorf("state: truncated removed count")
	}
	removedCount := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	for i := uint64(0); i < removedCount; i++ {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("state: truncated removed entries")
		}
		l.Removed[binary.BigEndian.Uint64(buf[off:off+8])] = struct{}{}
		off += 8
	}
	return l, nil
}

func hashKey(hash uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, hash)
	return b
}

// StoreDiff persists a new layer for `hash`, diffed against `parentHash`
// (0 meaning "store a full snapshot, no parent").
func (c *Compressor) StoreDiff(hash, parentHash uint64, full CompactSet, parentFull CompactSet) error {
	l := &layer{ParentHash: parentHash, Added: CompactSet{}, Removed: map[uint64]struct{}{}}
	for sk, se := range full {
		if parentSE, ok := parentFull[sk]; !ok || parentSE != se {
			l.Added[sk] = se
		}
	}
	for sk := range parentFull {
		if _, ok := full[sk]; !ok {
			l.Removed[sk] = struct{}{}
		}
	}
	return c.db.Table(layerTable).Put(hashKey(hash), encodeLayer(l))
}

// StoreSnapshot persists `hash` as a full snapshot with no parent, used for
// the first state of a room.
func (c *Compressor) StoreSnapshot(hash uint64, full CompactSet) error {
	return c.StoreDiff(hash, 0, full, nil)
}

// Resolve walks the layer chain from `hash` back to a root snapshot,
// applying each diff to reconstruct the full compact state set (§3.3
// "Full resolution walks layers").
func (c *Compressor) Resolve(hash uint64) (CompactSet, error) {
	var chain []*layer
	cur := hash
	for cur != 0 {
		raw, err := c.db.Table(layerTable).Get(hashKey(cur))
		if err != nil {
			return nil, fmt.Errorf("state: resolving shortstatehash %d: %w", cur, err)
		}
		l, err := decodeLayer(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, l)
		cur = l.ParentHash
	}
	full := CompactSet{}
	// Walk from the root outward, applying each layer's added/removed.
	for i := len(chain) - 1; i >= 0; i-- {
		l := chain[i]
		for sk := range l.Removed {
			delete(full, sk)
		}
		for sk, se := range l.Added {
			full[sk] = se
		}
	}
	return full, nil
}
