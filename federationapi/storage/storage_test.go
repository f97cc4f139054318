package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrite-core/homeserver/federationapi/storage"
	"github.com/dendrite-core/homeserver/internal/kv"
)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	return db
}

func TestRetryStateRoundTrip(t *testing.T) {
	db := newTestDB(t)

	_, ok, err := db.RetryStateFor("example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.UpsertRetryState("example.org", 3, 123456))
	state, ok, err := db.RetryStateFor("example.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), state.FailureCount)
	assert.Equal(t, int64(123456), state.RetryUntilMS)

	require.NoError(t, db.DeleteRetryState("example.org"))
	_, ok, err = db.RetryStateFor("example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllRetryStates(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.UpsertRetryState("a.example.org", 1, 100))
	require.NoError(t, db.UpsertRetryState("b.example.org", 2, 200))

	all, err := db.AllRetryStates()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint32(1), all["a.example.org"].FailureCount)
	assert.Equal(t, uint32(2), all["b.example.org"].FailureCount)
}

func TestWhitelist(t *testing.T) {
	db := newTestDB(t)

	ok, err := db.IsWhitelisted("example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.InsertWhitelist("example.org"))
	ok, err = db.IsWhitelisted("example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.DeleteWhitelist("example.org"))
	ok, err = db.IsWhitelisted("example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAllWhitelist(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.InsertWhitelist("a.example.org"))
	require.NoError(t, db.InsertWhitelist("b.example.org"))

	require.NoError(t, db.DeleteAllWhitelist())

	ok, err := db.IsWhitelisted("a.example.org")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = db.IsWhitelisted("b.example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}
