package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthHeader(t *testing.T) {
	auth, err := ParseAuthHeader(`X-Matrix origin="a.example.org",destination="b.example.org",key="ed25519:1",sig="abc123"`)
	require.NoError(t, err)
	assert.Equal(t, "a.example.org", auth.Origin)
	assert.Equal(t, "b.example.org", auth.Destination)
	assert.Equal(t, "ed25519:1", string(auth.KeyID))
	assert.Equal(t, "abc123", auth.Signature)
}

func TestParseAuthHeaderRejectsMissingFields(t *testing.T) {
	_, err := ParseAuthHeader(`X-Matrix destination="b.example.org"`)
	require.Error(t, err)

	_, err = ParseAuthHeader(`Bearer sometoken`)
	require.Error(t, err)
}

func TestServerKeyResponseToVerifyKeys(t *testing.T) {
	resp := serverKeyResponse{
		ServerName:   "a.example.org",
		ValidUntilTS: 1700000000000,
	}
	resp.VerifyKeys = map[string]struct {
		Key string `json:"key"`
	}{
		"ed25519:1": {Key: "MCowBQYDK2VwAyEA6Y2B9C+DBLJz7CbR6yNSkecCTP3BFuUajBjLRvAOwHU"},
	}

	keys, err := resp.toVerifyKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "a.example.org", keys[0].ServerName)
	assert.Equal(t, "ed25519:1", string(keys[0].KeyID))
	assert.Equal(t, int64(1700000000000), keys[0].ValidUntilTS)
	assert.NotEmpty(t, keys[0].PublicKey)
}

func TestServerKeyResponseToVerifyKeysRejectsBadBase64(t *testing.T) {
	resp := serverKeyResponse{ServerName: "a.example.org"}
	resp.VerifyKeys = map[string]struct {
		Key string `json:"key"`
	}{
		"ed25519:1": {Key: "not valid base64!!"},
	}
	_, err := resp.toVerifyKeys()
	require.Error(t, err)
}
