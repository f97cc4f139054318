// Package api defines the room server's exported interfaces: the query
// surface other components (sync, federation, client API) read room state
// through, and the input surface events are submitted through (§4.3, §4.6).
package api

import (
	"context"
	"encoding/json"

	"github.com/dendrite-core/homeserver/internal/eventutil"
)

// InputPDUResult is the per-event outcome of submitting a PDU to the input
// pipeline, matching federation's per-PDU transaction response shape
// (§6.2 "Per-PDU outcomes returned as a map").
type InputPDUResult struct {
	EventID string
	Error   string // empty on success
}

// InputAPI is the room server's event-submission surface (§4.3's nine-step
// pipeline), used by the federation transaction handler and by locally
// produced client events alike.
type InputAPI interface {
	InputRoomEvents(ctx context.Context, roomID string, pdus []json.RawMessage) ([]InputPDUResult, error)
}

// StateEntry is one resolved (type, state-key) -> event-id tuple, the
// logical unit query responses are built from.
type StateEntry struct {
	Type     string
	StateKey string
	EventID  string
}

// QueryAPI is the read surface over current and historical room state.
type QueryAPI interface {
	CurrentState(ctx context.Context, roomID string) ([]StateEntry, error)
	StateAtEvent(ctx context.Context, roomID, eventID string) ([]StateEntry, error)
	RoomVersion(ctx context.Context, roomID string) (eventutil.RoomVersion, error)
	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)
	Membership(ctx context.Context, roomID, userID string) (string, error)
	EventByID(ctx context.Context, eventID string) (json.RawMessage, bool, error)
}

// FederationRoomserverAPI is the subset of room-server functionality the
// federation API needs to serve outbound federation requests (backfill,
// state, state_ids, make_join/send_join, ...), kept distinct from QueryAPI
// so a federation-only deployment's dependency surface stays minimal.
type FederationRoomserverAPI interface {
	QueryAPI
	Backfill(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]json.RawMessage, error)
	GetMissingEvents(ctx context.Context, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error)
	MakeJoin(ctx context.Context, roomID, userID string) (eventTemplate json.RawMessage, roomVersion eventutil.RoomVersion, err error)
	SendJoin(ctx context.Context, roomID string, signedJoinEvent json.RawMessage) (state, authChain []json.RawMessage, err error)
	MakeLeave(ctx context.Context, roomID, userID string) (eventTemplate json.RawMessage, roomVersion eventutil.RoomVersion, err error)
	SendLeave(ctx context.Context, roomID string, signedLeaveEvent json.RawMessage) error
}
