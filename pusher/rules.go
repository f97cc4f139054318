// Package pusher evaluates push rules against timeline events and delivers
// notifications to HTTP push gateways (Matrix push-gateway API), grounded
// on conduwuit's service/pusher: get_actions resolves a ruleset's highest
// priority matching rule against an event, send_notice builds and posts the
// gateway payload (§4.4 "highlight_count" depends on the same evaluation).
package pusher

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Action is one outcome a matched push rule produces.
type Action struct {
	Kind  string          `json:"-"` // notify, dont_notify, coalesce, set_tweak
	Tweak string          `json:"set_tweak,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	ActionNotify     = "notify"
	ActionDontNotify = "dont_notify"
	ActionCoalesce   = "coalesce"
	ActionSetTweak   = "set_tweak"
)

// Condition gates whether a rule applies to a given event.
type Condition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`     // event_match
	Pattern string `json:"pattern,omitempty"` // event_match
	Is      string `json:"is,omitempty"`      // room_member_count
}

const (
	ConditionEventMatch                   = "event_match"
	ConditionContainsDisplayName          = "contains_display_name"
	ConditionRoomMemberCount              = "room_member_count"
	ConditionSenderNotificationPermission = "sender_notification_permission"
)

// Rule is one entry in a ruleset's override/content/room/sender/underride
// list, evaluated in that list order, first match wins (Matrix push rules
// spec §"Predefined rules").
type Rule struct {
	RuleID     string      `json:"rule_id"`
	Default    bool        `json:"default"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions,omitempty"`
	Pattern    string      `json:"pattern,omitempty"` // content rules match against body directly
	Actions    []Action    `json:"actions"`
}

// Ruleset is a user's full push rule set, grouped by kind in the priority
// order the spec evaluates them: override, content, room, sender,
// underride.
type Ruleset struct {
	Override   []Rule `json:"override"`
	Content    []Rule `json:"content"`
	Room       []Rule `json:"room"`
	Sender     []Rule `json:"sender"`
	Underride  []Rule `json:"underride"`
}

// PowerLevelsCtx is the subset of m.room.power_levels content condition
// evaluation needs.
type PowerLevelsCtx struct {
	Users            map[string]int64
	UsersDefault     int64
	NotificationsRoom int64
}

// RoomCtx is the per-event, per-user context condition evaluation reads
// from outside the event body itself.
type RoomCtx struct {
	RoomID          string
	MemberCount     int
	UserID          string
	UserDisplayName string
	PowerLevels     *PowerLevelsCtx
}

// BoolTweak decodes the action's raw tweak value as a boolean (false when
// it is absent or not a boolean), e.g. for a highlight tweak.
func (a Action) BoolTweak() bool {
	var b bool
	_ = json.Unmarshal(a.Value, &b)
	return b
}

// GetActions finds the first enabled rule across every kind (in priority
// order) whose conditions all match event, and returns its actions. No
// match yields (nil, false): the event produces no notification.
func GetActions(rs Ruleset, event json.RawMessage, roomID string, ctx RoomCtx) ([]Action, bool) {
	groups := [][]Rule{rs.Override, rs.Content, rs.Room, rs.Sender, rs.Underride}
	for _, group := range groups {
		for _, rule := range group {
			if !rule.Enabled {
				continue
			}
			if matchesRule(rule, event, ctx) {
				return rule.Actions, true
			}
		}
	}
	return nil, false
}

func matchesRule(rule Rule, event json.RawMessage, ctx RoomCtx) bool {
	if rule.Pattern != "" {
		body := gjson.GetBytes(event, "content.body").String()
		return globMatch(rule.Pattern, body)
	}
	for _, cond := range rule.Conditions {
		if !matchCondition(cond, event, ctx) {
			return false
		}
	}
	return true
}

func matchCondition(cond Condition, event json.RawMessage, ctx RoomCtx) bool {
	switch cond.Kind {
	case ConditionEventMatch:
		value := gjson.GetBytes(event, cond.Key).String()
		return globMatch(cond.Pattern, value)
	case ConditionContainsDisplayName:
		if ctx.UserDisplayName == "" {
			return false
		}
		body := gjson.GetBytes(event, "content.body").String()
		return containsWord(body, ctx.UserDisplayName)
	case ConditionRoomMemberCount:
		return compareMemberCount(cond.Is, ctx.MemberCount)
	case ConditionSenderNotificationPermission:
		if ctx.PowerLevels == nil {
			return false
		}
		sender := gjson.GetBytes(event, "sender").String()
		level, ok := ctx.PowerLevels.Users[sender]
		if !ok {
			level = ctx.PowerLevels.UsersDefault
		}
		return level >= ctx.PowerLevels.NotificationsRoom
	default:
		return false
	}
}

// compareMemberCount evaluates a room_member_count "is" expression like
// "2", "==2", ">2", ">=2", "<2", "<=2".
func compareMemberCount(is string, count int) bool {
	is = strings.TrimSpace(is)
	op := "=="
	num := is
	for _, candidate := range []string{">=", "<=", "==", ">", "<"} {
		if strings.HasPrefix(is, candidate) {
			op = candidate
			num = strings.TrimPrefix(is, candidate)
			break
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return false
	}
	switch op {
	case ">=":
		return count >= n
	case "<=":
		return count <= n
	case ">":
		return count > n
	case "<":
		return count < n
	default:
		return count == n
	}
}

// globMatch matches a push-rule glob pattern (* and ? wildcards, case
// insensitive, the rest literal) against value.
func globMatch(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// containsWord reports whether needle appears in haystack as a
// whole-word, case-insensitive match (§"contains_display_name").
func containsWord(haystack, needle string) bool {
	pattern := `(?i)(^|\W)` + regexp.QuoteMeta(needle) + `($|\W)`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(haystack)
}

func tweak(name string, value json.RawMessage) Action {
	return Action{Kind: ActionSetTweak, Tweak: name, Value: value}
}

func boolValue(v bool) json.RawMessage {
	if v {
		return json.RawMessage("true")
	}
	return json.RawMessage("false")
}

// DefaultRuleset builds the server-default push rules every account starts
// with (Matrix push rules spec's predefined rule list), parameterized by
// the user's own id for the contains_user_name condition.
func DefaultRuleset(userID string) Ruleset {
	localpart := userID
	if idx := strings.IndexByte(userID, ':'); idx > 1 && strings.HasPrefix(userID, "@") {
		localpart = userID[1:idx]
	}
	return Ruleset{
		Override: []Rule{
			{RuleID: ".m.rule.master", Default: true, Enabled: false, Actions: []Action{{Kind: ActionDontNotify}}},
			{RuleID: ".m.rule.suppress_notices", Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionEventMatch, Key: "content.msgtype", Pattern: "m.notice"}},
				Actions:    []Action{{Kind: ActionDontNotify}}},
			{RuleID: ".m.rule.invite_for_me", Default: true, Enabled: true,
				Conditions: []Condition{
					{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.member"},
					{Kind: ConditionEventMatch, Key: "content.membership", Pattern: "invite"},
					{Kind: ConditionEventMatch, Key: "state_key", Pattern: userID},
				},
				Actions: []Action{{Kind: ActionNotify}, tweak("sound", json.RawMessage(`"default"`)), tweak("highlight", boolValue(false))}},
			{RuleID: ".m.rule.member_event", Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.member"}},
				Actions:    []Action{{Kind: ActionDontNotify}}},
			{RuleID: ".m.rule.contains_display_name", Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionContainsDisplayName}},
				Actions:    []Action{{Kind: ActionNotify}, tweak("sound", json.RawMessage(`"default"`)), tweak("highlight", boolValue(true))}},
			{RuleID: ".m.rule.tombstone", Default: true, Enabled: true,
				Conditions: []Condition{
					{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.tombstone"},
					{Kind: ConditionEventMatch, Key: "state_key", Pattern: ""},
				},
				Actions: []Action{{Kind: ActionNotify}, tweak("highlight", boolValue(true))}},
			{RuleID: ".m.rule.roomnotif", Default: true, Enabled: true,
				Conditions: []Condition{
					{Kind: ConditionEventMatch, Key: "content.body", Pattern: "@room"},
					{Kind: ConditionSenderNotificationPermission},
				},
				Actions: []Action{{Kind: ActionNotify}, tweak("highlight", boolValue(true))}},
		},
		Content: []Rule{
			{RuleID: ".m.rule.contains_user_name", Default: true, Enabled: true, Pattern: localpart,
				Actions: []Action{{Kind: ActionNotify}, tweak("sound", json.RawMessage(`"default"`)), tweak("highlight", boolValue(true))}},
		},
		Underride: []Rule{
			{RuleID: ".m.rule.call", Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionEventMatch, Key: "type", Pattern: "m.call.invite"}},
				Actions:    []Action{{Kind: ActionNotify}, tweak("sound", json.RawMessage(`"ring"`))}},
			{RuleID: ".m.rule.encrypted_room_one_to_one", Default: true, Enabled: true,
				Conditions: []Condition{
					{Kind: ConditionRoomMemberCount, Is: "2"},
					{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.encrypted"},
				},
				Actions: []Action{{Kind: ActionNotify}, tweak("sound", json.RawMessage(`"default"`))}},
			{RuleID: ".m.rule.room_one_to_one", Default: true, Enabled: true,
				Conditions: []Condition{
					{Kind: ConditionRoomMemberCount, Is: "2"},
					{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.message"},
				},
				Actions: []Action{{Kind: ActionNotify}, tweak("sound", json.RawMessage(`"default"`))}},
			{RuleID: ".m.rule.message", Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.message"}},
				Actions:    []Action{{Kind: ActionNotify}}},
			{RuleID: ".m.rule.encrypted", Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.encrypted"}},
				Actions:    []Action{{Kind: ActionNotify}}},
		},
	}
}
