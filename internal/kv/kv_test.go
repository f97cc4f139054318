package kv_test

import (
	"testing"

	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDatabasePutGet(t *testing.T) {
	db := kv.NewMemoryDatabase()
	tbl := db.Table("events")
	require.NoError(t, tbl.Put([]byte("a"), []byte("1")))

	v, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	_, err = tbl.Get([]byte("missing"))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemoryDatabasePrefixScan(t *testing.T) {
	db := kv.NewMemoryDatabase()
	tbl := db.Table("rooms")
	require.NoError(t, tbl.Put([]byte("room1/a"), []byte("x")))
	require.NoError(t, tbl.Put([]byte("room1/b"), []byte("y")))
	require.NoError(t, tbl.Put([]byte("room2/a"), []byte("z")))

	var got []string
	require.NoError(t, tbl.Iterate([]byte("room1/"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	}))
	assert.Equal(t, []string{"room1/a", "room1/b"}, got)
}

func TestMemoryDatabaseIterateReverse(t *testing.T) {
	db := kv.NewMemoryDatabase()
	tbl := db.Table("timeline")
	for _, k := range []string{"r/0001", "r/0002", "r/0003"} {
		require.NoError(t, tbl.Put([]byte(k), []byte("v")))
	}

	var got []string
	require.NoError(t, tbl.IterateReverse([]byte("r/"), func(k, v []byte) bool {
		got = append(got, string(k))
		return len(got) < 2
	}))
	assert.Equal(t, []string{"r/0003", "r/0002"}, got)
}

func TestBatchCommitIsAtomic(t *testing.T) {
	db := kv.NewMemoryDatabase()
	batch, err := db.NewBatch()
	require.NoError(t, err)

	tbl := batch.Table("events")
	require.NoError(t, tbl.Put([]byte("a"), []byte("1")))
	require.NoError(t, tbl.Put([]byte("b"), []byte("2")))

	// Not yet visible outside the batch.
	_, err = db.Table("events").Get([]byte("a"))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, batch.Commit())

	v, err := db.Table("events").Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestWatchFiresOnWrite(t *testing.T) {
	db := kv.NewMemoryDatabase()
	ch := db.Watch([]byte("room1/"))

	tbl := db.Table("events")
	require.NoError(t, tbl.Put([]byte("room1/5"), []byte("ev")))

	select {
	case <-ch:
	default:
		t.Fatal("expected watch to have fired")
	}
}
