// Package query implements the room server's read surface (api.QueryAPI,
// api.FederationRoomserverAPI): current/historical state lookups, backfill,
// missing-events, and the make_join/send_join/make_leave/send_leave
// federation join dance (§4.6, §6.2).
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/roomserver/api"
	"github.com/dendrite-core/homeserver/roomserver/internal/input"
	"github.com/dendrite-core/homeserver/roomserver/storage"
)

// Signer produces a signed, hashed wire-form PDU from an unsigned template,
// mirroring perform.Signer so make_join/make_leave templates can be signed
// once the remote server returns them (send_join/send_leave instead receive
// an already-signed event from the caller).
type Signer interface {
	SignEvent(roomVersion eventutil.RoomVersion, unsigned json.RawMessage) (json.RawMessage, error)
}

// Querier implements api.QueryAPI and api.FederationRoomserverAPI atop the
// room server's storage and input pipeline.
type Querier struct {
	DB         *storage.Database
	Input      *input.Inputer
	ServerName string
}

func NewQuerier(db *storage.Database, in *input.Inputer, serverName string) *Querier {
	return &Querier{DB: db, Input: in, ServerName: serverName}
}

var _ api.FederationRoomserverAPI = (*Querier)(nil)

func (q *Querier) currentCompact(roomID string) (map[uint64]uint64, uint64, bool, error) {
	shortRoom, ok, err := q.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return nil, 0, false, err
	}
	hash, ok, err := q.DB.CurrentStateHash(shortRoom)
	if err != nil || !ok {
		return nil, shortRoom, false, err
	}
	compact, err := q.DB.Compressor.Resolve(hash)
	if err != nil {
		return nil, shortRoom, false, err
	}
	return compact, shortRoom, true, nil
}

func (q *Querier) compactToEntries(compact map[uint64]uint64) ([]api.StateEntry, error) {
	out := make([]api.StateEntry, 0, len(compact))
	for shortKey, shortEvent := range compact {
		evType, stateKey, err := q.DB.Interner.StateKeyFromShort(shortKey)
		if err != nil {
			continue
		}
		eventID, err := q.DB.Interner.EventIDFromShort(shortEvent)
		if err != nil {
			continue
		}
		out = append(out, api.StateEntry{Type: evType, StateKey: stateKey, EventID: eventID})
	}
	return out, nil
}

func (q *Querier) CurrentState(ctx context.Context, roomID string) ([]api.StateEntry, error) {
	compact, _, ok, err := q.currentCompact(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return q.compactToEntries(compact)
}

// StateAtEvent reconstructs the state-after map for a specific event via
// the shared per-shorteventid state-hash index (§4.3 step 7-9).
func (q *Querier) StateAtEvent(ctx context.Context, roomID, eventID string) ([]api.StateEntry, error) {
	shortEvent, err := q.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return nil, err
	}
	hash, ok, err := q.DB.CurrentStateHash(shortEvent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	compact, err := q.DB.Compressor.Resolve(hash)
	if err != nil {
		return nil, err
	}
	return q.compactToEntries(compact)
}

func (q *Querier) RoomVersion(ctx context.Context, roomID string) (eventutil.RoomVersion, error) {
	compact, _, ok, err := q.currentCompact(roomID)
	if err != nil || !ok {
		return eventutil.RoomVersion(""), err
	}
	shortKey, ok, err := q.DB.Interner.GetShortStateKey("m.room.create", "")
	if err != nil || !ok {
		return eventutil.RoomVersion("9"), nil
	}
	shortEvent, ok := compact[shortKey]
	if !ok {
		return eventutil.RoomVersion("9"), nil
	}
	raw, err := q.DB.EventJSON(shortEvent)
	if err != nil {
		return eventutil.RoomVersion("9"), nil
	}
	var envelope struct {
		Content struct {
			RoomVersion string `json:"room_version"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Content.RoomVersion == "" {
		return eventutil.RoomVersion("1"), nil
	}
	return eventutil.RoomVersion(envelope.Content.RoomVersion), nil
}

func (q *Querier) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	shortRoom, ok, err := q.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return nil, err
	}
	shorts, err := q.DB.ForwardExtremities(shortRoom)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(shorts))
	for _, s := range shorts {
		id, err := q.DB.Interner.EventIDFromShort(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (q *Querier) Membership(ctx context.Context, roomID, userID string) (string, error) {
	shortRoom, ok, err := q.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return string(storage.MembershipLeave), err
	}
	m, _, err := q.DB.GetMembership(shortRoom, userID)
	return string(m), err
}

func (q *Querier) EventByID(ctx context.Context, eventID string) (json.RawMessage, bool, error) {
	short, err := q.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return nil, false, err
	}
	raw, err := q.DB.EventJSON(short)
	if err != nil {
		return nil, false, nil
	}
	return raw, true, nil
}

func (q *Querier) loadPDU(eventID string) (*eventutil.PDU, json.RawMessage, bool) {
	raw, ok, err := q.EventByID(context.Background(), eventID)
	if err != nil || !ok {
		return nil, nil, false
	}
	var pdu eventutil.PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, nil, false
	}
	return &pdu, raw, true
}

// Backfill walks backwards from the given events via prev_events, returning
// up to limit ancestor PDUs (§6.2 GET /backfill).
func (q *Querier) Backfill(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]json.RawMessage, error) {
	seen := map[string]bool{}
	queue := append([]string{}, fromEventIDs...)
	var out []json.RawMessage
	for len(queue) > 0 && (limit <= 0 || len(out) < limit) {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		pdu, raw, ok := q.loadPDU(id)
		if !ok {
			continue
		}
		out = append(out, raw)
		queue = append(queue, pdu.PrevEvents...)
	}
	return out, nil
}

// GetMissingEvents walks backwards from latest towards earliest, returning
// events the caller (identified by having supplied earliest) doesn't have
// (§6.2 POST /get_missing_events).
func (q *Querier) GetMissingEvents(ctx context.Context, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error) {
	stop := map[string]bool{}
	for _, id := range earliest {
		stop[id] = true
	}
	seen := map[string]bool{}
	queue := append([]string{}, latest...)
	var out []json.RawMessage
	for len(queue) > 0 && (limit <= 0 || len(out) < limit) {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || stop[id] {
			continue
		}
		seen[id] = true
		pdu, raw, ok := q.loadPDU(id)
		if !ok {
			continue
		}
		out = append(out, raw)
		queue = append(queue, pdu.PrevEvents...)
	}
	return out, nil
}

// buildAuthEventsFor selects the auth_events ids a new event of kind/stateKey
// needs from the room's current state, per §3.1's minimal-sufficient-set.
func (q *Querier) buildAuthEventsFor(compact map[uint64]uint64, kind string, stateKey *string, sender string) ([]string, error) {
	var auth []string
	add := func(evType, sk string) error {
		shortKey, ok, err := q.DB.Interner.GetShortStateKey(evType, sk)
		if err != nil || !ok {
			return err
		}
		shortEvent, ok := compact[shortKey]
		if !ok {
			return nil
		}
		id, err := q.DB.Interner.EventIDFromShort(shortEvent)
		if err != nil {
			return err
		}
		auth = append(auth, id)
		return nil
	}
	if err := add("m.room.create", ""); err != nil {
		return nil, err
	}
	if err := add("m.room.power_levels", ""); err != nil {
		return nil, err
	}
	if err := add("m.room.join_rules", ""); err != nil {
		return nil, err
	}
	if err := add("m.room.member", sender); err != nil {
		return nil, err
	}
	if kind == "m.room.member" && stateKey != nil && *stateKey != sender {
		if err := add("m.room.member", *stateKey); err != nil {
			return nil, err
		}
	}
	return auth, nil
}

func (q *Querier) buildTemplate(ctx context.Context, roomID, userID, membership string) (json.RawMessage, eventutil.RoomVersion, error) {
	roomVersion, err := q.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	compact, _, ok, err := q.currentCompact(roomID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("query: room %s has no known state", roomID)
	}
	prevEvents, err := q.ForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	authEvents, err := q.buildAuthEventsFor(compact, "m.room.member", &userID, userID)
	if err != nil {
		return nil, "", err
	}
	stateKey := userID
	unsigned := struct {
		RoomID         string          `json:"room_id"`
		Sender         string          `json:"sender"`
		OriginServerTS int64           `json:"origin_server_ts"`
		Kind           string          `json:"type"`
		Content        json.RawMessage `json:"content"`
		StateKey       *string         `json:"state_key,omitempty"`
		PrevEvents     []string        `json:"prev_events"`
		AuthEvents     []string        `json:"auth_events"`
	}{
		RoomID: roomID, Sender: userID, OriginServerTS: time.Now().UnixMilli(),
		Kind: "m.room.member", Content: json.RawMessage(fmt.Sprintf(`{"membership":%q}`, membership)),
		StateKey: &stateKey, PrevEvents: prevEvents, AuthEvents: authEvents,
	}
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, "", err
	}
	return raw, roomVersion, nil
}

func (q *Querier) MakeJoin(ctx context.Context, roomID, userID string) (json.RawMessage, eventutil.RoomVersion, error) {
	return q.buildTemplate(ctx, roomID, userID, "join")
}

func (q *Querier) MakeLeave(ctx context.Context, roomID, userID string) (json.RawMessage, eventutil.RoomVersion, error) {
	return q.buildTemplate(ctx, roomID, userID, "leave")
}

// originOf extracts the server name portion of a Matrix user id
// ("@alice:example.org" -> "example.org"), used to identify the origin of a
// signed join/leave event sent in via federation.
func originOf(userID string) string {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 {
		return userID
	}
	return userID[idx+1:]
}

func (q *Querier) SendJoin(ctx context.Context, roomID string, signedJoinEvent json.RawMessage) (state, authChain []json.RawMessage, err error) {
	var pdu eventutil.PDU
	if err := json.Unmarshal(signedJoinEvent, &pdu); err != nil {
		return nil, nil, fmt.Errorf("query: invalid join event: %w", err)
	}
	outcome, err := q.Input.InputPDU(ctx, originOf(pdu.Sender), roomID, signedJoinEvent)
	if err != nil {
		return nil, nil, err
	}
	if outcome.Rejected {
		return nil, nil, fmt.Errorf("query: join rejected: %s", outcome.Reason)
	}
	entries, err := q.CurrentState(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		raw, ok, err := q.EventByID(ctx, e.EventID)
		if err == nil && ok {
			state = append(state, raw)
		}
	}
	return state, []json.RawMessage{}, nil
}

func (q *Querier) SendLeave(ctx context.Context, roomID string, signedLeaveEvent json.RawMessage) error {
	var pdu eventutil.PDU
	if err := json.Unmarshal(signedLeaveEvent, &pdu); err != nil {
		return fmt.Errorf("query: invalid leave event: %w", err)
	}
	outcome, err := q.Input.InputPDU(ctx, originOf(pdu.Sender), roomID, signedLeaveEvent)
	if err != nil {
		return err
	}
	if outcome.Rejected {
		return fmt.Errorf("query: leave rejected: %s", outcome.Reason)
	}
	return nil
}

