package storage

import (
	"encoding/binary"
)

// Membership mirrors the m.room.member membership values the index tracks
// per (user, room) (§6.4: "(user, room) -> membership + since-count").
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

func membershipKey(shortRoomID uint64, userID string) []byte {
	buf := make([]byte, 8, 8+len(userID))
	binary.BigEndian.PutUint64(buf, shortRoomID)
	return append(buf, []byte(userID)...)
}

func encodeMembershipRecord(m Membership, since PduCount) []byte {
	buf := make([]byte, 8+len(m))
	binary.BigEndian.PutUint64(buf[0:8], uint64(since))
	copy(buf[8:], m)
	return buf
}

func decodeMembershipRecord(raw []byte) (Membership, PduCount) {
	if len(raw) < 8 {
		return MembershipLeave, 0
	}
	since := PduCount(int64(binary.BigEndian.Uint64(raw[0:8])))
	return Membership(raw[8:]), since
}

// SetMembership records user's membership in shortRoomID as of since (§4.3
// step 9's membership-index update, §4.6 join/invite/leave/ban), keeping the
// per-user reverse index in step so sync can enumerate a user's rooms
// without scanning every room's membership table.
func (d *Database) SetMembership(shortRoomID uint64, userID string, m Membership, since PduCount) error {
	if err := d.kv.Table(membershipTable).Put(membershipKey(shortRoomID, userID), encodeMembershipRecord(m, since)); err != nil {
		return err
	}
	return d.kv.Table(userRoomsTable).Put(userRoomKey(userID, shortRoomID), encodeMembershipRecord(m, since))
}

func userRoomKey(userID string, shortRoomID uint64) []byte {
	buf := []byte(userID)
	buf = append(buf, 0)
	room := make([]byte, 8)
	binary.BigEndian.PutUint64(room, shortRoomID)
	return append(buf, room...)
}

// RoomMembership pairs a room the user has some membership record in with
// that membership and the count it was last set at.
type RoomMembership struct {
	ShortRoomID uint64
	Membership  Membership
	Since       PduCount
}

// RoomsForUser enumerates every room userID has ever had a membership
// record in (join, invite, leave or ban), the set the sync engine splits
// into rooms.join/invite/leave (§4.4 step 2).
func (d *Database) RoomsForUser(userID string) ([]RoomMembership, error) {
	prefix := append([]byte(userID), 0)
	var out []RoomMembership
	err := d.kv.Table(userRoomsTable).Iterate(prefix, func(key, value []byte) bool {
		if len(key) != len(prefix)+8 {
			return true
		}
		shortRoomID := binary.BigEndian.Uint64(key[len(prefix):])
		m, since := decodeMembershipRecord(value)
		out = append(out, RoomMembership{ShortRoomID: shortRoomID, Membership: m, Since: since})
		return true
	})
	return out, err
}

// GetMembership returns the user's current membership and the count it was
// set at, defaulting to "leave" with count 0 if no record exists (§8
// convention: absence means never-joined, equivalent to leave).
func (d *Database) GetMembership(shortRoomID uint64, userID string) (Membership, PduCount, error) {
	raw, err := d.kv.Table(membershipTable).Get(membershipKey(shortRoomID, userID))
	if err != nil {
		return MembershipLeave, 0, nil
	}
	m, since := decodeMembershipRecord(raw)
	return m, since, nil
}

// MembersWithMembership lists users currently in the given membership state
// in shortRoomID, used for heroes (§4.4), invite/ban enumeration, and
// appservice namespace matching.
func (d *Database) MembersWithMembership(shortRoomID uint64, want Membership) ([]string, error) {
	tbl := d.kv.Table(membershipTable)
	prefix := roomPrefix(shortRoomID)
	var out []string
	err := tbl.Iterate(prefix, func(key, value []byte) bool {
		if len(key) <= 8 {
			return true
		}
		m, _ := decodeMembershipRecord(value)
		if m == want {
			out = append(out, string(key[8:]))
		}
		return true
	})
	return out, err
}
