package input_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-core/homeserver/federationapi/queue"
	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/dendrite-core/homeserver/roomserver/internal/input"
	"github.com/dendrite-core/homeserver/roomserver/internal/perform"
	roomstorage "github.com/dendrite-core/homeserver/roomserver/storage"
)

type noopFederation struct{}

func (noopFederation) GetEvent(ctx context.Context, origin, eventID string) (json.RawMessage, error) {
	return nil, nil
}
func (noopFederation) GetMissingEvents(ctx context.Context, origin, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error) {
	return nil, nil
}

type localSigner struct{ kp *signing.LocalKeyPair }

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

// capturingSender records every destination it was asked to deliver to,
// standing in for federationapi/queue's real transportSender.
type capturingSender struct {
	mu    sync.Mutex
	sent  []queue.Destination
	ready chan struct{}
}

func newCapturingSender() *capturingSender {
	return &capturingSender{ready: make(chan struct{}, 16)}
}

func (s *capturingSender) Send(ctx context.Context, dest queue.Destination, pdus, edus []json.RawMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, dest)
	s.mu.Unlock()
	s.ready <- struct{}{}
	return nil
}

func (s *capturingSender) destinations() []queue.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.Destination, len(s.sent))
	copy(out, s.sent)
	return out
}

func TestAppendToTimelineEnqueuesRemoteJoinedServers(t *testing.T) {
	roomDB, err := roomstorage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	kp, err := signing.GenerateLocalKeyPair("home.example.org", "ed25519:1")
	require.NoError(t, err)
	signer := &localSigner{kp: kp}

	in := input.NewInputer(roomDB, signer, noopFederation{}, input.Config{MaxFetchPrevEvents: 10})
	perf := perform.NewPerformer(in, signer, "home.example.org")

	sender := newCapturingSender()
	q := queue.NewQueue(sender, nil) // nil backoff store: this test only checks fan-out, not restart persistence
	in.SetOutbound(q, "home.example.org")

	roomID, err := perf.CreateRoom(context.Background(), perform.CreateRoomRequest{
		Creator: "@alice:home.example.org",
		Preset:  "public_chat",
	})
	require.NoError(t, err)

	// Simulate a remote user having already joined the room (full remote
	// join handshake is exercised elsewhere; this test only needs the
	// membership index populated to exercise destination derivation).
	shortRoom, ok, err := roomDB.Interner.GetShortRoomID(roomID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, roomDB.SetMembership(shortRoom, "@bob:remote.example.org", roomstorage.MembershipJoin, 1))

	_, err = perf.SendEvent(context.Background(), roomID, "@alice:home.example.org", "m.room.message", nil, map[string]string{
		"msgtype": "m.text", "body": "hello federation",
	})
	require.NoError(t, err)

	select {
	case <-sender.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for federation send")
	}

	dests := sender.destinations()
	require.Len(t, dests, 1)
	require.Equal(t, queue.NormalDestination("remote.example.org"), dests[0])
}

func TestAppendToTimelineSkipsLocalAndOriginServers(t *testing.T) {
	roomDB, err := roomstorage.NewDatabase(kv.NewMemoryDatabase())
	require.NoError(t, err)
	kp, err := signing.GenerateLocalKeyPair("home.example.org", "ed25519:1")
	require.NoError(t, err)
	signer := &localSigner{kp: kp}

	in := input.NewInputer(roomDB, signer, noopFederation{}, input.Config{MaxFetchPrevEvents: 10})
	perf := perform.NewPerformer(in, signer, "home.example.org")

	sender := newCapturingSender()
	q := queue.NewQueue(sender, nil)
	in.SetOutbound(q, "home.example.org")

	roomID, err := perf.CreateRoom(context.Background(), perform.CreateRoomRequest{
		Creator: "@alice:home.example.org",
		Preset:  "public_chat",
	})
	require.NoError(t, err)

	// Every member server here is either local or the origin, so no
	// destinations should ever be enqueued.
	_, err = perf.SendEvent(context.Background(), roomID, "@alice:home.example.org", "m.room.message", nil, map[string]string{
		"msgtype": "m.text", "body": "only local members",
	})
	require.NoError(t, err)

	select {
	case <-sender.ready:
		t.Fatal("unexpected federation send with only local members")
	case <-time.After(200 * time.Millisecond):
	}
}
