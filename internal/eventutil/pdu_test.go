package eventutil_test

import (
	"testing"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceHashIsDeterministic(t *testing.T) {
	raw := []byte(`{"room_id":"!a:x","type":"m.room.message","content":{"body":"hi"},"sender":"@u:x","origin_server_ts":1,"prev_events":[],"auth_events":[],"depth":1,"hashes":{"sha256":"abc"}}`)
	id1, err := eventutil.ReferenceHash(raw)
	require.NoError(t, err)
	id2, err := eventutil.ReferenceHash(raw)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Contains(t, id1, "$")
}

func TestComputeEventIDExplicitForV1(t *testing.T) {
	id, err := eventutil.ComputeEventID(eventutil.RoomVersionV1, []byte(`{}`), "$legacy:x")
	require.NoError(t, err)
	assert.Equal(t, "$legacy:x", id)
}

func TestComputeEventIDComputedForV4(t *testing.T) {
	raw := []byte(`{"a":1}`)
	id, err := eventutil.ComputeEventID(eventutil.RoomVersionV4, raw, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRedactPreservesEventIDAndStripsContent(t *testing.T) {
	raw := []byte(`{"event_id":"$a:x","type":"m.room.message","room_id":"!r:x","sender":"@u:x","content":{"body":"secret","msgtype":"m.text"},"origin_server_ts":5}`)
	out, err := eventutil.Redact(eventutil.RoomVersionV6, "m.room.message", raw)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"event_id":"$a:x"`)
	assert.NotContains(t, string(out), "secret")
}

func TestRedactKeepsMembershipField(t *testing.T) {
	raw := []byte(`{"event_id":"$a:x","type":"m.room.member","room_id":"!r:x","sender":"@u:x","state_key":"@u:x","content":{"membership":"join","displayname":"Bob"}}`)
	out, err := eventutil.Redact(eventutil.RoomVersionV9, "m.room.member", raw)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"membership":"join"`)
	assert.NotContains(t, string(out), "Bob")
}
