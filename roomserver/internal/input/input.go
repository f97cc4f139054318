// Package input implements the room server's incoming PDU pipeline (§4.3):
// parse and canonicalize, fetch signing keys, verify signature and hash,
// check ACL, backfill missing prev/auth events, resolve state, auth-check,
// and append to the timeline under a per-room serialization lock.
package input

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dendrite-core/homeserver/federationapi/queue"
	"github.com/dendrite-core/homeserver/internal/canonicaljson"
	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/dendrite-core/homeserver/roomserver/api"
	"github.com/dendrite-core/homeserver/roomserver/auth"
	"github.com/dendrite-core/homeserver/roomserver/state"
	"github.com/dendrite-core/homeserver/roomserver/storage"
)

// KeyFetcher looks up a server's signing verify key by key id, used to check
// signatures on incoming events (§4.3 step 2).
type KeyFetcher interface {
	VerifyKey(ctx context.Context, server string, keyID signing.KeyID) (*signing.VerifyKey, error)
}

// Federation is the subset of outbound federation client calls the input
// pipeline needs to backfill missing events (§4.3 steps 5-6).
type Federation interface {
	GetEvent(ctx context.Context, origin, eventID string) (json.RawMessage, error)
	GetMissingEvents(ctx context.Context, origin, roomID string, earliest, latest []string, limit int) ([]json.RawMessage, error)
}

// Config holds the input pipeline's settings. MaxFetchPrevEvents caps how
// many missing prev_events one ensureEventsKnown call fetches (§4.3 step 5).
type Config struct {
	MaxFetchPrevEvents int
}

// roomLocks serializes steps 7-9 per room (§4.3 "Per-room serialization"),
// while letting different rooms proceed concurrently.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: map[string]*sync.Mutex{}}
}

func (r *roomLocks) forRoom(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[roomID] = l
	}
	return l
}

// Inputer runs the event handler pipeline (§4.3).
type Inputer struct {
	DB         *storage.Database
	Keys       KeyFetcher
	Federation Federation
	Config     Config

	rooms *roomLocks

	// Outbound and ServerName are set via SetOutbound once the federation
	// sender is constructed (cmd/homeserver wiring order builds the room
	// server before the outbound queue). A nil Outbound leaves appended
	// events un-federated, which is what standalone tests want.
	Outbound   *queue.Queue
	ServerName string
}

func NewInputer(db *storage.Database, keys KeyFetcher, fed Federation, cfg Config) *Inputer {
	return &Inputer{DB: db, Keys: keys, Federation: fed, Config: cfg, rooms: newRoomLocks()}
}

// SetOutbound wires the per-destination federation send queue into the
// append path (§2 "Timeline append -> Outbound sender -> per-destination
// queue -> Federation transport", §4.5). serverName is this deployment's
// own server name, excluded from the destination set derived from a room's
// joined members.
func (in *Inputer) SetOutbound(q *queue.Queue, serverName string) {
	in.Outbound = q
	in.ServerName = serverName
}

var _ api.InputAPI = (*Inputer)(nil)

// Outcome is the per-event result of InputPDU, mirroring the federation
// per-PDU transaction response shape (§6.2).
type Outcome struct {
	EventID  string
	Rejected bool
	Reason   string
	Outlier  bool
}

// InputPDU runs the nine-step pipeline (§4.3) for one PDU claimed to belong
// to roomID, received from origin.
func (in *Inputer) InputPDU(ctx context.Context, origin, roomID string, raw json.RawMessage) (*Outcome, error) {
	roomVersion, err := in.roomVersion(roomID)
	if err != nil {
		return nil, fmt.Errorf("input: room %s: %w", roomID, err)
	}

	// Step 1: parse & canonicalize.
	canon, err := canonicaljson.Encode(raw)
	if err != nil {
		return nil, fmt.Errorf("input: canonicalizing event: %w", err)
	}
	eventID, err := eventutil.ComputeEventID(roomVersion, canon, "")
	if err != nil {
		return nil, fmt.Errorf("input: computing event id: %w", err)
	}

	pdu, err := decodePDU(canon, eventID)
	if err != nil {
		return nil, err
	}

	// Step 2-3: fetch signing keys, verify signature and hash.
	if err := in.verifySignaturesAndHash(ctx, roomVersion, pdu, canon); err != nil {
		logrus.WithError(err).WithField("event_id", eventID).Warn("input: dropping event, signature/hash verification failed")
		return nil, err
	}

	// Step 4: ACL check.
	if denied, err := in.checkACL(ctx, roomID, origin); err != nil {
		return nil, err
	} else if denied {
		return &Outcome{EventID: eventID, Rejected: true, Reason: "origin denied by server ACL"}, nil
	}

	lock := in.rooms.forRoom(roomID)
	lock.Lock()
	defer lock.Unlock()

	// Steps 5-6: ensure prev/auth events are known, backfilling as needed.
	if err := in.ensureEventsKnown(ctx, origin, roomID, pdu.PrevEvents); err != nil {
		return nil, fmt.Errorf("input: backfilling prev_events: %w", err)
	}
	if err := in.ensureEventsKnown(ctx, origin, roomID, pdu.AuthEvents); err != nil {
		return nil, fmt.Errorf("input: backfilling auth_events: %w", err)
	}

	// Step 7: compute state at this event and auth-check.
	preState, err := in.stateBefore(roomID, roomVersion, pdu.PrevEvents)
	if err != nil {
		return nil, fmt.Errorf("input: resolving pre-state: %w", err)
	}
	authState := toAuthState(preState, in)
	result := auth.Check(toAuthEvent(pdu, eventID), authState, roomVersion)
	if err := in.storeEventJSON(eventID, canon); err != nil {
		return nil, err
	}
	if !result.Allow {
		return &Outcome{EventID: eventID, Rejected: true, Reason: result.Reason}, nil
	}

	// Step 8: compute state-after.
	postState := preState
	if tuple, ok := pdu.StateTuple(); ok {
		postState = cloneStateMap(preState)
		postState[tuple] = eventID
	}

	// Step 9: append to timeline, update extremities, fire watches.
	if err := in.appendToTimeline(origin, roomID, eventID, pdu, postState, canon); err != nil {
		return nil, fmt.Errorf("input: appending to timeline: %w", err)
	}

	return &Outcome{EventID: eventID}, nil
}

func toAuthEvent(p *eventutil.PDU, eventID string) *auth.Event {
	var stateKey *string
	if p.StateKey != nil {
		stateKey = p.StateKey
	}
	return &auth.Event{
		EventID:        eventID,
		RoomID:         p.RoomID,
		Sender:         p.Sender,
		Kind:           p.Kind,
		StateKey:       stateKey,
		Content:        p.Content,
		PrevEvents:     p.PrevEvents,
		OriginServerTS: p.OriginServerTS,
	}
}

func toAuthState(s state.StateMap, in *Inputer) auth.State {
	as := auth.State{}
	for tuple, eventID := range s {
		raw, err := in.DB.EventJSON(mustShortEventID(in, eventID))
		if err != nil {
			continue
		}
		var pdu eventutil.PDU
		if err := json.Unmarshal(raw, &pdu); err != nil {
			continue
		}
		as[tuple] = toAuthEvent(&pdu, eventID)
	}
	return as
}

func mustShortEventID(in *Inputer, eventID string) uint64 {
	short, _ := in.DB.Interner.GetOrCreateShortEventID(eventID)
	return short
}

func cloneStateMap(s state.StateMap) state.StateMap {
	out := make(state.StateMap, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func decodePDU(canon json.RawMessage, eventID string) (*eventutil.PDU, error) {
	var pdu eventutil.PDU
	if err := json.Unmarshal(canon, &pdu); err != nil {
		return nil, fmt.Errorf("input: decoding PDU: %w", err)
	}
	return &pdu, nil
}

// roomVersion reads the room's version from its current m.room.create
// event. A room with no known state yet (its own create event, still
// in-flight through this same call) defaults to the latest supported
// version; buildAndInput's caller always supplies the real version on the
// create event itself, so this default only governs how that first event is
// parsed.
func (in *Inputer) roomVersion(roomID string) (eventutil.RoomVersion, error) {
	shortRoom, ok, err := in.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return eventutil.RoomVersionV11, nil
	}
	hash, ok, err := in.DB.CurrentStateHash(shortRoom)
	if err != nil || !ok {
		return eventutil.RoomVersionV11, nil
	}
	compact, err := in.DB.Compressor.Resolve(hash)
	if err != nil {
		return "", err
	}
	shortKey, ok, err := in.DB.Interner.GetShortStateKey("m.room.create", "")
	if err != nil || !ok {
		return eventutil.RoomVersionV11, nil
	}
	shortEvent, ok := compact[shortKey]
	if !ok {
		return eventutil.RoomVersionV11, nil
	}
	raw, err := in.DB.EventJSON(shortEvent)
	if err != nil {
		return eventutil.RoomVersionV11, nil
	}
	var envelope struct {
		Content struct {
			RoomVersion string `json:"room_version"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Content.RoomVersion == "" {
		return eventutil.RoomVersionV1, nil
	}
	return eventutil.RoomVersion(envelope.Content.RoomVersion), nil
}

// InputRoomEvents implements api.InputAPI, running each PDU through the
// pipeline and reporting per-event outcomes the way a federation transaction
// response does (§6.2).
func (in *Inputer) InputRoomEvents(ctx context.Context, roomID string, pdus []json.RawMessage) ([]api.InputPDUResult, error) {
	results := make([]api.InputPDUResult, 0, len(pdus))
	for _, raw := range pdus {
		outcome, err := in.InputPDU(ctx, "", roomID, raw)
		if err != nil {
			results = append(results, api.InputPDUResult{Error: err.Error()})
			continue
		}
		r := api.InputPDUResult{EventID: outcome.EventID}
		if outcome.Rejected {
			r.Error = outcome.Reason
		}
		results = append(results, r)
	}
	return results, nil
}
