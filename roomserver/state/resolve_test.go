package state_test

import (
	"encoding/json"
	"testing"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/roomserver/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider map[string]*state.EventView

func (p fakeProvider) Event(id string) (*state.EventView, bool) {
	ev, ok := p[id]
	return ev, ok
}

func strPtr(s string) *string { return &s }

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestResolveNoConflictReturnsUnion(t *testing.T) {
	a := state.StateMap{
		{Type: "m.room.create", StateKey: ""}: "$create",
	}
	b := state.StateMap{
		{Type: "m.room.join_rules", StateKey: ""}: "$jr",
	}
	provider := fakeProvider{
		"$create": {EventID: "$create", Kind: "m.room.create", StateKey: strPtr(""), Sender: "@a:x", Content: rawJSON(t, map[string]string{"creator": "@a:x"})},
		"$jr":     {EventID: "$jr", Kind: "m.room.join_rules", StateKey: strPtr(""), Sender: "@a:x", Content: rawJSON(t, map[string]string{"join_rule": "public"})},
	}
	resolved, err := state.Resolve(eventutil.RoomVersionV9, []state.StateMap{a, b}, provider)
	require.NoError(t, err)
	assert.Equal(t, "$create", resolved[eventutil.StateTuple{Type: "m.room.create", StateKey: ""}])
	assert.Equal(t, "$jr", resolved[eventutil.StateTuple{Type: "m.room.join_rules", StateKey: ""}])
}

// TestResolveConcurrentPowerLevelsTiesBreakByEventID covers the §8 scenario:
// two concurrent m.room.power_levels events at the same origin_server_ts
// resolve deterministically to the lexicographically smaller event id.
func TestResolveConcurrentPowerLevelsTiesBreakByEventID(t *testing.T) {
	createEv := &state.EventView{
		EventID: "$create", Kind: "m.room.create", StateKey: strPtr(""), Sender: "@alice:x",
		Content: rawJSON(t, map[string]string{"creator": "@alice:x"}),
	}
	aliceJoin := &state.EventView{
		EventID: "$alice_join", Kind: "m.room.member", StateKey: strPtr("@alice:x"), Sender: "@alice:x",
		Content: rawJSON(t, map[string]string{"membership": "join"}), AuthEvents: []string{"$create"},
	}
	basePL := &state.EventView{
		EventID: "$pl0", Kind: "m.room.power_levels", StateKey: strPtr(""), Sender: "@alice:x",
		Content:    rawJSON(t, map[string]interface{}{"users": map[string]int64{"@alice:x": 100}}),
		AuthEvents: []string{"$create", "$alice_join"},
	}

	plA := &state.EventView{
		EventID: "$pl_aaa", Kind: "m.room.power_levels", StateKey: strPtr(""), Sender: "@alice:x",
		Content:        rawJSON(t, map[string]interface{}{"users": map[string]int64{"@alice:x": 100, "@bob:x": 10}}),
		AuthEvents:     []string{"$create", "$alice_join", "$pl0"},
		OriginServerTS: 1000,
	}
	plB := &state.EventView{
		EventID: "$pl_zzz", Kind: "m.room.power_levels", StateKey: strPtr(""), Sender: "@alice:x",
		Content:        rawJSON(t, map[string]interface{}{"users": map[string]int64{"@alice:x": 100, "@carol:x": 20}}),
		AuthEvents:     []string{"$create", "$alice_join", "$pl0"},
		OriginServerTS: 1000,
	}

	provider := fakeProvider{
		"$create":     createEv,
		"$alice_join": aliceJoin,
		"$pl0":        basePL,
		"$pl_aaa":     plA,
		"$pl_zzz":     plB,
	}

	tuple := eventutil.StateTuple{Type: "m.room.power_levels", StateKey: ""}
	sideA := state.StateMap{
		{Type: "m.room.create", StateKey: ""}:           "$create",
		{Type: "m.room.member", StateKey: "@alice:x"}:   "$alice_join",
		tuple: "$pl_aaa",
	}
	sideB := state.StateMap{
		{Type: "m.room.create", StateKey: ""}:           "$create",
		{Type: "m.room.member", StateKey: "@alice:x"}:   "$alice_join",
		tuple: "$pl_zzz",
	}

	resolved, err := state.Resolve(eventutil.RoomVersionV9, []state.StateMap{sideA, sideB}, provider)
	require.NoError(t, err)
	// Both are valid power_levels changes from alice, so both pass auth and
	// whichever is applied LAST wins the state tuple. At equal
	// origin_server_ts the sort applies $pl_zzz before $pl_aaa, so the
	// lexicographically smaller $pl_aaa wins.
	assert.Equal(t, "$pl_aaa", resolved[tuple])
}

func TestResolveV1SimpleMajority(t *testing.T) {
	createEv := &state.EventView{
		EventID: "$create", Kind: "m.room.create", StateKey: strPtr(""), Sender: "@alice:x",
		Content: rawJSON(t, map[string]string{"creator": "@alice:x"}),
	}
	provider := fakeProvider{"$create": createEv}
	a := state.StateMap{{Type: "m.room.create", StateKey: ""}: "$create"}
	resolved, err := state.Resolve(eventutil.RoomVersionV1, []state.StateMap{a, a}, provider)
	require.NoError(t, err)
	assert.Equal(t, "$create", resolved[eventutil.StateTuple{Type: "m.room.create", StateKey: ""}])
}
