package auth

import (
	"encoding/json"
)

// PowerLevelContent is the parsed content of m.room.power_levels, with the
// §4.2 "Numeric semantics" defaults applied when a field is absent.
type PowerLevelContent struct {
	UsersDefault  int64            `json:"users_default"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Ban           int64            `json:"ban"`
	Redact        int64            `json:"redact"`
	Users         map[string]int64 `json:"users"`
	Events        map[string]int64 `json:"events"`

	present bool
}

// DefaultPowerLevelContent is used when a room has no m.room.power_levels
// event yet (e.g. auth-checking the very first events after create).
func DefaultPowerLevelContent(creator string) *PowerLevelContent {
	return &PowerLevelContent{
		UsersDefault:  0,
		EventsDefault: 0,
		StateDefault:  50,
		Invite:        0,
		Kick:          50,
		Ban:           50,
		Redact:        50,
		Users:         map[string]int64{creator: 100},
		Events:        map[string]int64{},
	}
}

// ParsePowerLevelContent fills in §4.2's documented defaults for any field
// the event omits: "Missing users_default defaults to 0; events_default to
// 0; state_default to 50; invite to 0; kick, ban, redact to 50."
func ParsePowerLevelContent(content json.RawMessage) (*PowerLevelContent, error) {
	var raw struct {
		UsersDefault  *int64           `json:"users_default"`
		EventsDefault *int64           `json:"events_default"`
		StateDefault  *int64           `json:"state_default"`
		Invite        *int64           `json:"invite"`
		Kick          *int64           `json:"kick"`
		Ban           *int64           `json:"ban"`
		Redact        *int64           `json:"redact"`
		Users         map[string]int64 `json:"users"`
		Events        map[string]int64 `json:"events"`
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &raw); err != nil {
			return nil, err
		}
	}
	pl := &PowerLevelContent{
		Users:   raw.Users,
		Events:  raw.Events,
		present: true,
	}
	pl.UsersDefault = deref(raw.UsersDefault, 0)
	pl.EventsDefault = deref(raw.EventsDefault, 0)
	pl.StateDefault = deref(raw.StateDefault, 50)
	pl.Invite = deref(raw.Invite, 0)
	pl.Kick = deref(raw.Kick, 50)
	pl.Ban = deref(raw.Ban, 50)
	pl.Redact = deref(raw.Redact, 50)
	if pl.Users == nil {
		pl.Users = map[string]int64{}
	}
	if pl.Events == nil {
		pl.Events = map[string]int64{}
	}
	return pl, nil
}

func deref(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

// UserLevel returns the effective power level of a user.
func (pl *PowerLevelContent) UserLevel(userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	return pl.UsersDefault
}

// EventLevel returns the power level required to send a non-state event of
// the given type, or a state event when isState is true (falling back to
// StateDefault per §4.2 "Other state events").
func (pl *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}
