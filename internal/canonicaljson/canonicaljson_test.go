package canonicaljson_test

import (
	"testing"

	"github.com/dendrite-core/homeserver/internal/canonicaljson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSortsKeys(t *testing.T) {
	out, err := canonicaljson.Encode([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestEncodeRejectsFloats(t *testing.T) {
	_, err := canonicaljson.Encode([]byte(`{"a":1.5}`))
	assert.Error(t, err)
}

func TestEncodeRejectsOutOfRangeIntegers(t *testing.T) {
	_, err := canonicaljson.Encode([]byte(`{"a":9007199254740993}`))
	assert.Error(t, err)
}

func TestEncodeIsIdempotent(t *testing.T) {
	ok, err := canonicaljson.IsIdempotent([]byte(`{"z":[3,2,1],"a":{"y":1,"x":2}}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodeMinimalEscapes(t *testing.T) {
	out, err := canonicaljson.Encode([]byte(`{"body":"café"}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "café")
}

func TestStripFieldsRemovesTopLevelKeys(t *testing.T) {
	out, err := canonicaljson.StripFields([]byte(`{"a":1,"signatures":{"x":"y"},"unsigned":{}}`), "signatures", "unsigned")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}
