// Package state implements the state compressor (§3.3, compact on-disk
// layered representation) and the state resolver (§4.1, merging sibling
// state maps into one authoritative state).
package state

import (
	"encoding/json"

	"github.com/dendrite-core/homeserver/internal/eventutil"
)

// EventView is the minimal read-only view of a PDU the resolver and
// compressor need, independent of how the caller stores full events.
type EventView struct {
	EventID        string
	RoomID         string
	Kind           string
	StateKey       *string
	Sender         string
	Content        json.RawMessage
	AuthEvents     []string
	PrevEvents     []string
	OriginServerTS int64
	Depth          int64
}

func (e *EventView) StateTuple() (eventutil.StateTuple, bool) {
	if e.StateKey == nil {
		return eventutil.StateTuple{}, false
	}
	return eventutil.StateTuple{Type: e.Kind, StateKey: *e.StateKey}, true
}

// IsPowerEvent reports whether ev is one of the event kinds state
// resolution v2 treats specially: room creation, power levels, join rules,
// and membership events that ban or remove another user (§4.1 step 3).
func (e *EventView) IsPowerEvent() bool {
	switch e.Kind {
	case "m.room.create", "m.room.power_levels", "m.room.join_rules":
		return true
	case "m.room.member":
		if e.StateKey == nil || *e.StateKey == e.Sender {
			return false
		}
		var mc struct {
			Membership string `json:"membership"`
		}
		_ = json.Unmarshal(e.Content, &mc)
		return mc.Membership == "ban" || mc.Membership == "leave"
	default:
		return false
	}
}

// EventProvider resolves an event id to its EventView. Per §4.1's failure
// mode, any event that cannot be fetched is treated as absent; resolution
// never blocks on a missing event.
type EventProvider interface {
	Event(eventID string) (*EventView, bool)
}

// StateMap is the logical state representation resolution operates over:
// (type, state-key) -> event-id (§3.3).
type StateMap map[eventutil.StateTuple]string
