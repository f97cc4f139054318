package signing_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/signing"
)

func TestEventSignerSignsAndHashesEvent(t *testing.T) {
	kp, err := signing.GenerateLocalKeyPair("example.org", "ed25519:1")
	require.NoError(t, err)
	keys, err := signing.NewKeyStore(&fakeFetcher{}, nil)
	require.NoError(t, err)

	es := signing.NewEventSigner(kp, keys)

	unsigned := json.RawMessage(`{"room_id":"!a:example.org","sender":"@alice:example.org","type":"m.room.message","content":{"body":"hi"}}`)
	signed, err := es.SignEvent(eventutil.RoomVersionV11, unsigned)
	require.NoError(t, err)

	var envelope struct {
		Hashes struct {
			SHA256 string `json:"sha256"`
		} `json:"hashes"`
		Signatures map[string]map[string]string `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(signed, &envelope))
	assert.NotEmpty(t, envelope.Hashes.SHA256)
	assert.NotEmpty(t, envelope.Signatures["example.org"]["ed25519:1"])
}

func TestEventSignerVerifyKeyDelegatesToKeyStore(t *testing.T) {
	kp, err := signing.GenerateLocalKeyPair("example.org", "ed25519:1")
	require.NoError(t, err)
	fetcher := &fakeFetcher{keys: map[string][]signing.VerifyKey{
		"remote.example.org": {{ServerName: "remote.example.org", KeyID: "ed25519:1", PublicKey: kp.Public, ValidUntilTS: 1 << 62}},
	}}
	keys, err := signing.NewKeyStore(fetcher, nil)
	require.NoError(t, err)

	es := signing.NewEventSigner(kp, keys)
	vk, err := es.VerifyKey(context.Background(), "remote.example.org", "ed25519:1")
	require.NoError(t, err)
	assert.Equal(t, "remote.example.org", vk.ServerName)
}
