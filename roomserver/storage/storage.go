// Package storage persists the room server's logical columns (§6.4) atop
// the generic ordered key-value store in internal/kv: the per-room timeline
// log keyed by PduCount, forward-extremities, the membership index, and the
// per-token shortstatehash index.
package storage

import (
	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/internal/shortid"
	"github.com/dendrite-core/homeserver/roomserver/state"
)

const (
	eventJSONTable        = "event_json"        // shorteventid -> canonical JSON PDU
	timelineTable         = "timeline"           // (shortroomid, pducount) -> shorteventid
	extremitiesTable      = "forward_extremities"// shortroomid -> set of shorteventid
	membershipTable       = "membership"         // (shortroomid, userid) -> membership + since-count
	userRoomsTable        = "user_rooms"         // (userid, shortroomid) -> membership + since-count (reverse index)
	tokenStateTable       = "token_state"        // (shortroomid, token) -> shortstatehash
	roomCounterTable      = "room_counter"       // (shortroomid, "backfill") -> last-allocated Backfilled PduCount
	currentStateHashTable = "current_state_hash" // shortroomid -> current shortstatehash
)

// Database wires the interning, compression and event-body stores together
// behind the logical columns listed in §6.4.
type Database struct {
	kv          kv.Database
	Interner    *shortid.Interner
	Counter     *shortid.Counter
	Compressor  *state.Compressor
}

func NewDatabase(db kv.Database) (*Database, error) {
	counter := shortid.NewCounter(db)
	return &Database{
		kv:         db,
		Interner:   shortid.NewInterner(db, counter),
		Counter:    counter,
		Compressor: state.NewCompressor(db),
	}, nil
}
