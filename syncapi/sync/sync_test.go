package sync_test

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
	"github.com/dendrite-core/homeserver/syncapi/notifier"
	syncsync "github.com/dendrite-core/homeserver/syncapi/sync"
	syncstore "github.com/dendrite-core/homeserver/syncapi/storage"
)

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

func newHarness(t *testing.T) (*perform.Performer, *syncsync.Engine, *storage.Database) {
	t.Helper()
	roomDB, err := storage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	kp, err := signing.GenerateLocalKeyPair("test.example.org", "ed25519:1")
	require.NoError(t, err)
	signer := &localSigner{kp: kp}
	in := input.NewInputer(roomDB, signer, noopFederation{}, input.Config{MaxFetchPrevEvents: 10})
	perf := perform.NewPerformer(in, signer, "test.example.org")
	q := query.NewQuerier(roomDB, in, "test.example.org")

	syncDB, err := syncstore.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	n := notifier.New(kv.NewMemoryDatabase())
	engine := syncsync.NewEngine(roomDB, q, syncDB, n)
	return perf, engine, roomDB
}

func TestInitialSyncReturnsJoinedRoomWithState(t *testing.T) {
	perf, engine, _ := newHarness(t)
	ctx := context.Background()

	roomID, err := perf.CreateRoom(ctx, perform.CreateRoomRequest{
		Creator:     "@alice:test.example.org",
		RoomVersion: eventutil.RoomVersion("10"),
		Preset:      "public_chat",
		Name:        "Test Room",
	})
	require.NoError(t, err)

	resp, err := engine.Sync(ctx, syncsync.Request{UserID: "@alice:test.example.org", DeviceID: "DEV1"})
	require.NoError(t, err)
	require.Contains(t, resp.Rooms.Join, roomID)

	jr := resp.Rooms.Join[roomID]
	assert.NotEmpty(t, jr.State.Events)
	require.NotNil(t, jr.Summary.JoinedMemberCount)
	assert.Equal(t, 1, *jr.Summary.JoinedMemberCount)
	assert.NotEqual(t, "0", resp.NextBatch)
}

func TestIncrementalSyncOnlyReturnsNewMessage(t *testing.T) {
	perf, engine, _ := newHarness(t)
	ctx := context.Background()

	roomID, err := perf.CreateRoom(ctx, perform.CreateRoomRequest{
		Creator:     "@alice:test.example.org",
		RoomVersion: eventutil.RoomVersion("10"),
		Preset:      "public_chat",
	})
	require.NoError(t, err)

	initial, err := engine.Sync(ctx, syncsync.Request{UserID: "@alice:test.example.org", DeviceID: "DEV1"})
	require.NoError(t, err)

	msgEventID, err := perf.SendEvent(ctx, roomID, "@alice:test.example.org", "m.room.message", nil,
		map[string]string{"msgtype": "m.text", "body": "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, msgEventID)

	since := initial.NextBatch
	sinceUint := parseUint(t, since)
	resp, err := engine.Sync(ctx, syncsync.Request{UserID: "@alice:test.example.org", DeviceID: "DEV1", Since: sinceUint})
	require.NoError(t, err)

	jr := resp.Rooms.Join[roomID]
	require.Len(t, jr.Timeline.Events, 1)
	var pdu eventutil.PDU
	require.NoError(t, json.Unmarshal(jr.Timeline.Events[0], &pdu))
	assert.Equal(t, "m.room.message", pdu.Kind)
}

func parseUint(t *testing.T, s string) uint64 {
	t.Helper()
	var n uint64
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + uint64(c-'0')
	}
	return n
}
