package eventutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dendrite-core/homeserver/internal/canonicaljson"
)

// PDU is the canonical in-memory representation of a persistent data unit
// (§3.1). JSON tags match the wire form so a PDU round-trips through
// json.Marshal/Unmarshal without a translation layer.
type PDU struct {
	RoomID          string          `json:"room_id"`
	Sender          string          `json:"sender"`
	OriginServerTS  int64           `json:"origin_server_ts"`
	Kind            string          `json:"type"`
	Content         json.RawMessage `json:"content"`
	StateKey        *string         `json:"state_key,omitempty"`
	PrevEvents      []string        `json:"prev_events"`
	Depth           int64           `json:"depth"`
	AuthEvents      []string        `json:"auth_events"`
	Redacts         string          `json:"redacts,omitempty"`
	Hashes          map[string]string `json:"hashes"`
	Signatures      map[string]map[string]string `json:"signatures"`
	Unsigned        json.RawMessage `json:"unsigned,omitempty"`

	// EventID is only present on the wire for V1/V2; for V3+ it is absent
	// from wire JSON and computed below. Never serialized as part of
	// Content/Hashes — carried out of band.
	explicitEventID string

	// Outlier marks a stored-but-not-linearized PDU (§3.1, glossary).
	Outlier bool `json:"-"`
	// Rejected marks a PDU that failed auth at append time: stored, never
	// joins state, hidden from clients (§4.3 step 7).
	Rejected bool `json:"-"`
}

// IsStateEvent reports whether this PDU carries a state_key.
func (p *PDU) IsStateEvent() bool {
	return p.StateKey != nil
}

// StateTuple is the (type, state-key) identity a state event occupies.
type StateTuple struct {
	Type     string
	StateKey string
}

func (p *PDU) StateTuple() (StateTuple, bool) {
	if p.StateKey == nil {
		return StateTuple{}, false
	}
	return StateTuple{Type: p.Kind, StateKey: *p.StateKey}, true
}

// ContentHash computes the unpadded base64 SHA-256 content hash placed in
// the `hashes.sha256` field: canonical JSON of the event with signatures,
// unsigned, hashes itself, and (for V1/V2) age_ts all stripped.
func ContentHash(roomVersion RoomVersion, raw []byte) (string, error) {
	strip := []string{"signatures", "unsigned", "hashes"}
	if roomVersion.EventIDIsExplicit() {
		strip = append(strip, "age_ts")
	}
	stripped, err := canonicaljson.StripFields(raw, strip...)
	if err != nil {
		return "", err
	}
	canon, err := canonicaljson.Encode(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// ReferenceHash computes the event id for room versions >= 3: the unpadded
// base64 SHA-256 of the canonical JSON with signatures and unsigned
// stripped (but hashes/content kept, unlike ContentHash), matching §3.1
// "content-addressed" / "For room versions ≥3 the id is absent from the
// wire form and computed by the receiver".
func ReferenceHash(raw []byte) (string, error) {
	stripped, err := canonicaljson.StripFields(raw, "signatures", "unsigned")
	if err != nil {
		return "", err
	}
	canon, err := canonicaljson.Encode(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "$" + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ComputeEventID returns the event id for a PDU's raw wire JSON, following
// the room version rule: explicit field for V1/V2, reference hash for V3+.
// Re-hashing must reproduce a previously computed id (§3.1 invariant).
func ComputeEventID(roomVersion RoomVersion, raw []byte, wireEventID string) (string, error) {
	if roomVersion.EventIDIsExplicit() {
		if wireEventID == "" {
			return "", fmt.Errorf("eventutil: room version %s requires an explicit event_id", roomVersion)
		}
		return wireEventID, nil
	}
	return ReferenceHash(raw)
}

// minimalAuthEventTypes enumerates the event types whose ids are always
// required in auth_events for a given target event type, used to validate
// that auth_events is a "minimal sufficient set" per §3.1's invariant. The
// full selection also depends on membership target for m.room.member, kept
// simple here: the create/power_levels/join_rules triad plus (for member
// events) the relevant membership/join-rule/third-party-invite events.
var minimalAuthEventTypes = []string{
	"m.room.create",
	"m.room.power_levels",
	"m.room.join_rules",
}

// RequiredAuthEventTypes returns the state event types that must be present
// (if they exist in the room) in auth_events for an event of kind/stateKey.
func RequiredAuthEventTypes(kind string, stateKey *string, senderStateKey string) []string {
	types := append([]string{}, minimalAuthEventTypes...)
	if kind == "m.room.member" {
		types = append(types, "m.room.member") // sender's own membership
		if stateKey != nil && *stateKey != senderStateKey {
			types = append(types, "m.room.member") // target's membership
		}
		types = append(types, "m.room.third_party_invite")
	}
	sort.Strings(types)
	return types
}
