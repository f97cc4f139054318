// Package eventutil implements the PDU model (§3.1): canonical event
// representation, hashing, reference-hash ids, and the content/auth/prev
// graph edges every other package operates on.
package eventutil

// RoomVersion identifies the versioned bundle of hashing, signing, auth and
// redaction rules a room was created with (§1 "room-version backward
// compatibility", glossary "Room version").
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// EventIDIsExplicit reports whether the wire form carries its own event_id
// field (V1, V2) rather than having the receiver compute it from the
// reference hash (V3+), per §3.1's invariant.
func (v RoomVersion) EventIDIsExplicit() bool {
	return v == RoomVersionV1 || v == RoomVersionV2
}

// StateResolutionV2 reports whether the room uses the v2+ state resolution
// algorithm (§4.1); only V1 uses the older algorithm.
func (v RoomVersion) StateResolutionV2() bool {
	return v != RoomVersionV1
}

// RemovesCreator reports whether the m.room.create event for this version
// omits the legacy `creator` field in favour of deriving the creator from
// the room_id / sender (§9 Open Questions: room v11 removes `creator`).
func (v RoomVersion) RemovesCreator() bool {
	return v == RoomVersionV11
}

// CreatorFromRoomID reports whether authorization treats the room_id's
// origin as authoritative for the create event's creator, rather than
// requiring sender == explicit creator field (pre-V11 vs V11+, §4.2
// m.room.create).
func (v RoomVersion) CreatorFromRoomID() bool {
	return v == RoomVersionV11
}

// KnownRoomVersions lists every version this server supports reading and
// writing, per §1's explicit scope note ("room-version backward
// compatibility beyond the enumerated versions" is a non-goal — so only
// these are supported).
var KnownRoomVersions = []RoomVersion{
	RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5,
	RoomVersionV6, RoomVersionV7, RoomVersionV8, RoomVersionV9, RoomVersionV10,
	RoomVersionV11,
}

func (v RoomVersion) Known() bool {
	for _, k := range KnownRoomVersions {
		if k == v {
			return true
		}
	}
	return false
}
