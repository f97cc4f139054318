package pusher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrite-core/homeserver/internal/kv"
)

func TestStoreSetAndDelete(t *testing.T) {
	store := NewStore(kv.NewMemoryDatabase())
	reg := Registration{UserID: "@alice:x", PushKey: "key1", AppID: "app1", Kind: "http", URL: "http://example.org/push"}
	require.NoError(t, store.Set(reg))

	regs, err := store.ForUser("@alice:x")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "key1", regs[0].PushKey)

	require.NoError(t, store.Delete("@alice:x", "app1", "key1"))
	regs, err = store.ForUser("@alice:x")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestDispatchDeliversOnMatchingRule(t *testing.T) {
	var received gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rejected":[]}`))
	}))
	defer srv.Close()

	store := NewStore(kv.NewMemoryDatabase())
	require.NoError(t, store.Set(Registration{UserID: "@alice:x", PushKey: "key1", AppID: "app1", Kind: "http", URL: srv.URL}))

	svc := NewService(store, NewClient())
	event := json.RawMessage(`{"event_id":"$a","type":"m.room.message","sender":"@bob:x","content":{"msgtype":"m.text","body":"hi"}}`)
	rs := DefaultRuleset("@alice:x")
	err := svc.Dispatch(context.Background(), "@alice:x", 1, event, rs, RoomCtx{RoomID: "!room:x", MemberCount: 3})
	require.NoError(t, err)

	assert.Equal(t, "$a", received.Notification.EventID)
	assert.Equal(t, "m.room.message", received.Notification.Type)
	require.Len(t, received.Notification.Devices, 1)
	assert.Equal(t, "key1", received.Notification.Devices[0].Pushkey)
}

func TestDispatchSkipsWhenRuleDoesNotNotify(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	store := NewStore(kv.NewMemoryDatabase())
	require.NoError(t, store.Set(Registration{UserID: "@alice:x", PushKey: "key1", AppID: "app1", Kind: "http", URL: srv.URL}))

	svc := NewService(store, NewClient())
	event := json.RawMessage(`{"event_id":"$a","type":"m.room.member","sender":"@bob:x","content":{"membership":"join"}}`)
	rs := DefaultRuleset("@alice:x")
	err := svc.Dispatch(context.Background(), "@alice:x", 0, event, rs, RoomCtx{RoomID: "!room:x", MemberCount: 3})
	require.NoError(t, err)
	assert.False(t, called)
}
