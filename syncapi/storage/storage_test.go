package storage_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/syncapi/storage"
)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	return db
}

func TestAccountDataGlobalAndPerRoom(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.PutAccountData("@alice:x", "", "m.push_rules", json.RawMessage(`{"a":1}`)))
	require.NoError(t, db.PutAccountData("@alice:x", "!room:x", "m.fully_read", json.RawMessage(`{"event_id":"$a"}`)))

	global, err := db.AccountData("@alice:x", "")
	require.NoError(t, err)
	assert.Contains(t, global, "m.push_rules")
	assert.NotContains(t, global, "m.fully_read")

	perRoom, err := db.AccountData("@alice:x", "!room:x")
	require.NoError(t, err)
	assert.Contains(t, perRoom, "m.fully_read")
}

func TestReceiptsForRoom(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.PutReceipt("!room:x", "@alice:x", storage.Receipt{EventID: "$a", Type: "m.read", Timestamp: 1}))
	require.NoError(t, db.PutReceipt("!room:x", "@bob:x", storage.Receipt{EventID: "$b", Type: "m.read", Timestamp: 2}))

	receipts, err := db.ReceiptsForRoom("!room:x")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "$a", receipts["@alice:x"].EventID)
}

func TestToDeviceQueueAndDrain(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.QueueToDevice("@alice:x", "DEV1", json.RawMessage(`{"n":1}`)))
	require.NoError(t, db.QueueToDevice("@alice:x", "DEV1", json.RawMessage(`{"n":2}`)))

	pending, err := db.PendingToDevice("@alice:x", "DEV1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, db.DeleteToDeviceUpTo("@alice:x", "DEV1", pending[0].Counter))
	remaining, err := db.PendingToDevice("@alice:x", "DEV1", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, json.RawMessage(`{"n":2}`), remaining[0].Message)
}

func TestDeviceListChangeTracking(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MarkDeviceListChanged("@alice:x", "@bob:x"))
	require.NoError(t, db.MarkDeviceListChanged("@alice:x", "@carol:x"))

	changed, high, err := db.PendingDeviceListChanges("@alice:x", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@bob:x", "@carol:x"}, changed)

	changed, _, err = db.PendingDeviceListChanges("@alice:x", high)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestLazyMemberTracking(t *testing.T) {
	db := newTestDB(t)
	sent, err := db.HasSentLazyMember("@alice:x", "DEV1", "!room:x", "@bob:x")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, db.MarkLazyMemberSent("@alice:x", "DEV1", "!room:x", "@bob:x"))
	sent, err = db.HasSentLazyMember("@alice:x", "DEV1", "!room:x", "@bob:x")
	require.NoError(t, err)
	assert.True(t, sent)

	require.NoError(t, db.ResetLazyMembers("@alice:x", "DEV1", "!room:x"))
	sent, err = db.HasSentLazyMember("@alice:x", "DEV1", "!room:x", "@bob:x")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestPresenceRoundTrip(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.GetPresence("@alice:x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetPresence(storage.Presence{UserID: "@alice:x", Presence: "online", CurrentlyActive: true}))
	p, ok, err := db.GetPresence("@alice:x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "online", p.Presence)
	assert.True(t, p.CurrentlyActive)
}

func TestDevicePositionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	pos, err := db.DevicePosition("@alice:x", "DEV1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)

	require.NoError(t, db.SetDevicePosition("@alice:x", "DEV1", 42))
	pos, err = db.DevicePosition("@alice:x", "DEV1")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pos)
}
