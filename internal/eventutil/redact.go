package eventutil

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// preserveTopLevel are the PDU top-level fields every room version keeps on
// redaction (everything else at the top level is stripped too, except the
// fields this module treats as structural rather than content: room_id,
// sender, etc. carried separately from Content below).
var preserveTopLevel = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts", "redacts",
}

// contentPreserveSets gives, per event type, the content fields a redaction
// must keep. Everything else in `content` is dropped. This varies by room
// version per §3.1/§8; versions prior to v11 keep a slightly different set
// for m.room.member and m.room.create than v11+ (MSC2176-style tightening).
func contentPreserveSets(roomVersion RoomVersion) map[string][]string {
	sets := map[string][]string{
		"m.room.member":        {"membership"},
		"m.room.create":        {"creator"},
		"m.room.join_rules":    {"join_rule"},
		"m.room.power_levels":  {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default", "invite"},
		"m.room.history_visibility": {"history_visibility"},
	}
	if roomVersion.RemovesCreator() {
		sets["m.room.create"] = []string{} // v11 create events no longer carry `creator`
		sets["m.room.member"] = append(sets["m.room.member"], "join_authorised_via_users_server")
	}
	if roomVersion == RoomVersionV9 || roomVersion == RoomVersionV10 || roomVersion == RoomVersionV11 {
		sets["m.room.power_levels"] = append(sets["m.room.power_levels"], "invite")
	}
	return sets
}

// Redact returns raw with every field not in the version-specific
// preserve-list removed, leaving the event id stable (§3.1, §8: "Redactions
// preserve the event id and remove only the content fields not in the
// preserve-set for that room version").
func Redact(roomVersion RoomVersion, kind string, raw []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(raw)

	keep := map[string]bool{}
	for _, f := range preserveTopLevel {
		keep[f] = true
	}

	out := []byte(`{}`)
	var err error
	parsed.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !keep[k] {
			return true
		}
		if k == "content" {
			redactedContent, cerr := redactContent(roomVersion, kind, value)
			if cerr != nil {
				err = cerr
				return false
			}
			out, err = sjson.SetRawBytes(out, "content", redactedContent)
		} else {
			out, err = sjson.SetRawBytes(out, k, []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func redactContent(roomVersion RoomVersion, kind string, content gjson.Result) ([]byte, error) {
	keepFields, ok := contentPreserveSets(roomVersion)[kind]
	out := []byte(`{}`)
	if !ok {
		return out, nil
	}
	keep := map[string]bool{}
	for _, f := range keepFields {
		keep[f] = true
	}
	var err error
	content.ForEach(func(key, value gjson.Result) bool {
		if !keep[key.String()] {
			return true
		}
		out, err = sjson.SetRawBytes(out, key.String(), []byte(value.Raw))
		return err == nil
	})
	return out, err
}
