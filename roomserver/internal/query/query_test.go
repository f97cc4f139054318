package query_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/dendrite-core/homeserver/roomserver/internal/input"
	"github.com/dendrite-core/homeserver/roomserver/internal/perform"
	"github.com/dendrite-core/homeserver/roomserver/internal/query"
	"github.com/dendrite-core/homeserver/roomserver/storage"
)

// localSigner signs with an in-memory keypair and serves VerifyKey lookups
// against its own public key, enough to drive the input pipeline
// end-to-end for locally-originated events in tests.
type localSigner struct {
	kp *signing.LocalKeyPair
}

func (s *localSigner) SignEvent(roomVersion eventutil.RoomVersion, unsigned json.RawMessage) (json.RawMessage, error) {
	contentHash, err := eventutil.ContentHash(roomVersion, unsigned)
	if err != nil {
		return nil, err
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(unsigned, &envelope); err != nil {
		return nil, err
	}
	envelope["hashes"] = map[string]string{"sha256": contentHash}

	hashed, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	sig, err := s.kp.SignJSON(hashed)
	if err != nil {
		return nil, err
	}
	envelope["signatures"] = map[string]map[string]string{
		s.kp.ServerName: {string(s.kp.KeyID): sig},
	}
	return json.Marshal(envelope)
}

func (s *localSigner) VerifyKey(ctx context.Context, server string, keyID signing.KeyID) (*signing.VerifyKey, error) {
	return &signing.VerifyKey{ServerName: server, KeyID: keyID, PublicKey: s.kp.Public, ValidUntilTS: 1 << 62}, nil
}

type noopFederation struct{}

func (noopFederation) GetEvent(ctx context.Context, origin, eventID string) (json.RawMessage, error) {
	return nil, assert.AnError
}
func (noopFederation) GetMissingEvents(ctx context.Context, origin, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error) {
	return nil, assert.AnError
}

func newHarness(t *testing.T) (*perform.Performer, *query.Querier) {
	t.Helper()
	db, err := storage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	kp, err := signing.GenerateLocalKeyPair("test.example.org", "ed25519:1")
	require.NoError(t, err)
	signer := &localSigner{kp: kp}
	in := input.NewInputer(db, signer, noopFederation{}, input.Config{MaxFetchPrevEvents: 10})
	perf := perform.NewPerformer(in, signer, "test.example.org")
	q := query.NewQuerier(db, in, "test.example.org")
	return perf, q
}

func TestCreateRoomThenCurrentStateAndMakeJoin(t *testing.T) {
	perf, q := newHarness(t)
	ctx := context.Background()

	roomID, err := perf.CreateRoom(ctx, perform.CreateRoomRequest{
		Creator:     "@alice:test.example.org",
		RoomVersion: eventutil.RoomVersion("10"),
		Preset:      "public_chat",
		Name:        "Test Room",
	})
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	entries, err := q.CurrentState(ctx, roomID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	types := map[string]bool{}
	for _, e := range entries {
		types[e.Type] = true
	}
	assert.True(t, types["m.room.create"])
	assert.True(t, types["m.room.member"])
	assert.True(t, types["m.room.power_levels"])
	assert.True(t, types["m.room.join_rules"])
	assert.True(t, types["m.room.name"])

	version, err := q.RoomVersion(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, eventutil.RoomVersion("10"), version)

	membership, err := q.Membership(ctx, roomID, "@alice:test.example.org")
	require.NoError(t, err)
	assert.Equal(t, "join", membership)

	tmpl, tmplVersion, err := q.MakeJoin(ctx, roomID, "@bob:remote.example.org")
	require.NoError(t, err)
	assert.Equal(t, eventutil.RoomVersion("10"), tmplVersion)
	var parsed struct {
		Type     string `json:"type"`
		Content  struct{ Membership string `json:"membership"` } `json:"content"`
		StateKey string `json:"state_key"`
	}
	require.NoError(t, json.Unmarshal(tmpl, &parsed))
	assert.Equal(t, "m.room.member", parsed.Type)
	assert.Equal(t, "join", parsed.Content.Membership)
	assert.Equal(t, "@bob:remote.example.org", parsed.StateKey)
}

func TestForwardExtremitiesAdvancePerEvent(t *testing.T) {
	perf, q := newHarness(t)
	ctx := context.Background()

	roomID, err := perf.CreateRoom(ctx, perform.CreateRoomRequest{
		Creator:     "@alice:test.example.org",
		RoomVersion: eventutil.RoomVersion("10"),
		Preset:      "public_chat",
	})
	require.NoError(t, err)

	ext, err := q.ForwardExtremities(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, ext, 1)
}
