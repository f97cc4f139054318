package signing_test

import (
	"context"
	"testing"
	"time"

	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	keys map[string][]signing.VerifyKey
	fail bool
}

func (f *fakeFetcher) FetchServerKeys(ctx context.Context, serverName string) ([]signing.VerifyKey, error) {
	if f.fail {
		return nil, assert.AnError
	}
	return f.keys[serverName], nil
}

func (f *fakeFetcher) FetchViaNotary(ctx context.Context, notary, serverName string) ([]signing.VerifyKey, error) {
	return f.keys[serverName], nil
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	kp, err := signing.GenerateLocalKeyPair("example.org", "ed25519:1")
	require.NoError(t, err)

	raw := []byte(`{"room_id":"!a:example.org","content":{"x":1}}`)
	sig, err := kp.SignJSON(raw)
	require.NoError(t, err)

	ok, err := signing.VerifySignature(kp.Public, raw, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	kp, err := signing.GenerateLocalKeyPair("example.org", "ed25519:1")
	require.NoError(t, err)

	raw := []byte(`{"a":1}`)
	sig, err := kp.SignJSON(raw)
	require.NoError(t, err)

	tampered := []byte(`{"a":2}`)
	ok, err := signing.VerifySignature(kp.Public, tampered, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyStoreFallsBackToNotary(t *testing.T) {
	kp, err := signing.GenerateLocalKeyPair("remote.example", "ed25519:a")
	require.NoError(t, err)

	vk := signing.VerifyKey{
		ServerName:   "remote.example",
		KeyID:        "ed25519:a",
		PublicKey:    kp.Public,
		ValidUntilTS: time.Now().Add(time.Hour).UnixMilli(),
	}

	fetcher := &fakeFetcher{fail: true, keys: map[string][]signing.VerifyKey{
		"remote.example": {vk},
	}}
	store, err := signing.NewKeyStore(fetcher, []string{"notary.example"})
	require.NoError(t, err)

	got, err := store.VerifyKey(context.Background(), "remote.example", "ed25519:a")
	require.NoError(t, err)
	assert.Equal(t, kp.Public, got.PublicKey)
}

func TestKeyStoreRateLimitsAfterFailure(t *testing.T) {
	fetcher := &fakeFetcher{fail: true}
	store, err := signing.NewKeyStore(fetcher, nil)
	require.NoError(t, err)

	_, err = store.VerifyKey(context.Background(), "down.example", "ed25519:a")
	require.Error(t, err)

	_, err = store.VerifyKey(context.Background(), "down.example", "ed25519:a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate-limited")
}
