package storage_test

import (
	"testing"

	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/roomserver/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	return db
}

func TestTimelineAppendAndRange(t *testing.T) {
	db := newTestDB(t)
	shortRoom, err := db.Interner.GetOrCreateShortRoomID("!room:x")
	require.NoError(t, err)

	var counts []storage.PduCount
	for i := 0; i < 5; i++ {
		c, err := db.NextNormalPduCount(shortRoom)
		require.NoError(t, err)
		counts = append(counts, c)
		require.NoError(t, db.AppendTimelineEvent(shortRoom, c, uint64(i+1)))
	}

	got, err := db.TimelineRange(shortRoom, 0, counts[len(counts)-1], 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)

	latest, err := db.LatestPduCount(shortRoom)
	require.NoError(t, err)
	assert.Equal(t, counts[len(counts)-1], latest)
}

func TestForwardExtremitiesUpdate(t *testing.T) {
	db := newTestDB(t)
	shortRoom, err := db.Interner.GetOrCreateShortRoomID("!room:x")
	require.NoError(t, err)

	require.NoError(t, db.UpdateForwardExtremities(shortRoom, nil, 1))
	require.NoError(t, db.UpdateForwardExtremities(shortRoom, nil, 2))
	ext, err := db.ForwardExtremities(shortRoom)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, ext)

	// Event 3 covers both 1 and 2 as its prev_events.
	require.NoError(t, db.UpdateForwardExtremities(shortRoom, []uint64{1, 2}, 3))
	ext, err = db.ForwardExtremities(shortRoom)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, ext)
}

func TestMembershipSetAndQuery(t *testing.T) {
	db := newTestDB(t)
	shortRoom, err := db.Interner.GetOrCreateShortRoomID("!room:x")
	require.NoError(t, err)

	require.NoError(t, db.SetMembership(shortRoom, "@alice:x", storage.MembershipJoin, 1))
	require.NoError(t, db.SetMembership(shortRoom, "@bob:x", storage.MembershipInvite, 2))

	m, since, err := db.GetMembership(shortRoom, "@alice:x")
	require.NoError(t, err)
	assert.Equal(t, storage.MembershipJoin, m)
	assert.Equal(t, storage.PduCount(1), since)

	joined, err := db.MembersWithMembership(shortRoom, storage.MembershipJoin)
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:x"}, joined)

	m, _, err = db.GetMembership(shortRoom, "@nobody:x")
	require.NoError(t, err)
	assert.Equal(t, storage.MembershipLeave, m)
}

func TestRoomsForUser(t *testing.T) {
	db := newTestDB(t)
	roomA, err := db.Interner.GetOrCreateShortRoomID("!a:x")
	require.NoError(t, err)
	roomB, err := db.Interner.GetOrCreateShortRoomID("!b:x")
	require.NoError(t, err)

	require.NoError(t, db.SetMembership(roomA, "@alice:x", storage.MembershipJoin, 1))
	require.NoError(t, db.SetMembership(roomB, "@alice:x", storage.MembershipInvite, 2))
	require.NoError(t, db.SetMembership(roomA, "@bob:x", storage.MembershipJoin, 1))

	rooms, err := db.RoomsForUser("@alice:x")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	byRoom := map[uint64]storage.Membership{}
	for _, r := range rooms {
		byRoom[r.ShortRoomID] = r.Membership
	}
	assert.Equal(t, storage.MembershipJoin, byRoom[roomA])
	assert.Equal(t, storage.MembershipInvite, byRoom[roomB])
}

func TestTokenStateLookupFindsGreatestAtOrBelow(t *testing.T) {
	db := newTestDB(t)
	shortRoom, err := db.Interner.GetOrCreateShortRoomID("!room:x")
	require.NoError(t, err)

	require.NoError(t, db.RecordTokenState(shortRoom, 5, 500))
	require.NoError(t, db.RecordTokenState(shortRoom, 10, 1000))
	require.NoError(t, db.RecordTokenState(shortRoom, 20, 2000))

	hash, ok, err := db.StateHashAtOrBeforeToken(shortRoom, 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), hash)

	hash, ok, err = db.StateHashAtOrBeforeToken(shortRoom, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), hash)
}

func TestEventJSONRoundTrip(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.PutEventJSON(42, []byte(`{"type":"m.room.message"}`)))
	raw, err := db.EventJSON(42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"m.room.message"}`, string(raw))
}
