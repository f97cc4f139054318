package state_test

import (
	"testing"

	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/roomserver/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorSnapshotRoundTrip(t *testing.T) {
	db := kv.NewMemoryDatabase()
	c := state.NewCompressor(db)

	full := state.CompactSet{1: 100, 2: 200, 3: 300}
	require.NoError(t, c.StoreSnapshot(1, full))

	got, err := c.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestCompressorDiffChain(t *testing.T) {
	db := kv.NewMemoryDatabase()
	c := state.NewCompressor(db)

	snapshot := state.CompactSet{1: 100, 2: 200}
	require.NoError(t, c.StoreSnapshot(1, snapshot))

	// Layer 2 adds key 3, changes key 2, removes nothing.
	layer2 := state.CompactSet{1: 100, 2: 201, 3: 300}
	require.NoError(t, c.StoreDiff(2, 1, layer2, snapshot))

	// Layer 3 removes key 1.
	layer3 := state.CompactSet{2: 201, 3: 300}
	require.NoError(t, c.StoreDiff(3, 2, layer3, layer2))

	got, err := c.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, layer3, got)

	got2, err := c.Resolve(2)
	require.NoError(t, err)
	assert.Equal(t, layer2, got2)
}

func TestCompressorLongChainResolves(t *testing.T) {
	db := kv.NewMemoryDatabase()
	c := state.NewCompressor(db)

	full := state.CompactSet{1: 1}
	require.NoError(t, c.StoreSnapshot(1, full))
	var parentHash uint64 = 1
	for i := uint64(2); i <= 50; i++ {
		full = cloneCompactSet(full)
		full[i] = i * 10
		require.NoError(t, c.StoreDiff(i, parentHash, full, nil))
		parentHash = i
	}
	// Intentionally pass nil parentFull above to force a full diff each
	// time; Resolve must still reconstruct correctly since it always
	// replays from the root.
	got, err := c.Resolve(50)
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func cloneCompactSet(s state.CompactSet) state.CompactSet {
	out := make(state.CompactSet, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}
