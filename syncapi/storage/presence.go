package storage

import (
	"encoding/json"
)

const presenceTable = "sync_presence"

// Presence is one user's presence state (§4.4 "presence", client-server
// API's m.presence event content).
type Presence struct {
	UserID          string `json:"-"`
	Presence        string `json:"presence"` // online, offline, unavailable
	StatusMsg       string `json:"status_msg,omitempty"`
	LastActiveAgoMS int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
}

// SetPresence records p for p.UserID. Fields left at their zero value by
// the caller are not treated specially here; merge-on-update semantics
// (§9 open question: "new overrides if present, else keep old") are the
// caller's responsibility, applied before calling SetPresence.
func (d *Database) SetPresence(p Presence) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.kv.Table(presenceTable).Put([]byte(p.UserID), raw)
}

// GetPresence returns userID's last known presence, or ok=false if never
// set (offline is the implicit default for a never-seen user).
func (d *Database) GetPresence(userID string) (Presence, bool, error) {
	raw, err := d.kv.Table(presenceTable).Get([]byte(userID))
	if err != nil {
		return Presence{}, false, nil
	}
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return Presence{}, false, err
	}
	p.UserID = userID
	return p, true, nil
}
