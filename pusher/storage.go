package pusher

import (
	"encoding/json"

	"github.com/dendrite-core/homeserver/internal/kv"
)

const pusherTable = "pusher_registrations"

// Registration is one registered pusher (client-server API "POST
// /pushers/set"), the persistent form of a Device plus enough to route and
// dedupe it.
type Registration struct {
	UserID            string          `json:"user_id"`
	PushKey           string          `json:"pushkey"`
	AppID             string          `json:"app_id"`
	Kind              string          `json:"kind"` // "http" (email left unimplemented)
	AppDisplayName    string          `json:"app_display_name"`
	DeviceDisplayName string          `json:"device_display_name"`
	URL               string          `json:"url"`
	Format            string          `json:"format,omitempty"`
	DefaultPayload    json.RawMessage `json:"default_payload,omitempty"`
}

// Store persists pusher registrations, keyed (user, app_id, pushkey) per
// the client-server API's uniqueness rule.
type Store struct {
	db kv.Database
}

func NewStore(db kv.Database) *Store {
	return &Store{db: db}
}

func pusherKey(userID, appID, pushKey string) []byte {
	return []byte(userID + "\x00" + appID + "\x00" + pushKey)
}

// Set registers or replaces a pusher. An empty Kind deletes it, mirroring
// the client-server API's "kind: null to delete" convention.
func (s *Store) Set(r Registration) error {
	if r.Kind == "" {
		return s.db.Table(pusherTable).Delete(pusherKey(r.UserID, r.AppID, r.PushKey))
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Table(pusherTable).Put(pusherKey(r.UserID, r.AppID, r.PushKey), raw)
}

// ForUser returns every pusher registered for userID.
func (s *Store) ForUser(userID string) ([]Registration, error) {
	prefix := append([]byte(userID), 0)
	var out []Registration
	err := s.db.Table(pusherTable).Iterate(prefix, func(key, value []byte) bool {
		var r Registration
		if err := json.Unmarshal(value, &r); err == nil {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

// Delete removes a single pusher by its (app_id, pushkey) identity.
func (s *Store) Delete(userID, appID, pushKey string) error {
	return s.db.Table(pusherTable).Delete(pusherKey(userID, appID, pushKey))
}
