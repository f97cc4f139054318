// Package sync implements the /sync long-poll engine (§4.4): per-user
// room-state diffing between two PduCount tokens, lazy-loaded membership,
// ephemeral data (receipts, to-device), account data, and unread/highlight
// counts.
package sync

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/pusher"
	"github.com/dendrite-core/homeserver/roomserver/api"
	roomstore "github.com/dendrite-core/homeserver/roomserver/storage"
	"github.com/dendrite-core/homeserver/syncapi/notifier"
	syncstore "github.com/dendrite-core/homeserver/syncapi/storage"
)

// Engine builds /sync responses atop the room server's storage (shared
// in-process in this monolith deployment, per §5's "no pub/sub bus"
// decision) and the sync engine's own account-data/receipts/to-device/
// presence columns.
type Engine struct {
	RoomDB   *roomstore.Database
	Query    api.QueryAPI
	Store    *syncstore.Database
	Notifier *notifier.Notifier

	// Pusher dispatches push-gateway notifications for matched rules
	// (§4.4 "unread_notifications" feeds the same rule evaluation push
	// delivery needs). Nil in tests that only check /sync response shape.
	Pusher *pusher.Service

	DefaultTimelineLimit int
	MaxTimeout           time.Duration
}

func NewEngine(roomDB *roomstore.Database, query api.QueryAPI, store *syncstore.Database, n *notifier.Notifier) *Engine {
	return &Engine{
		RoomDB: roomDB, Query: query, Store: store, Notifier: n,
		DefaultTimelineLimit: 10, MaxTimeout: 30 * time.Second,
	}
}

// SetPusher wires push-gateway delivery into computeUnread's rule
// evaluation, set once cmd/homeserver has constructed pusher.Service.
func (e *Engine) SetPusher(p *pusher.Service) {
	e.Pusher = p
}

// Request is one parsed GET /sync call (§4.4 "Inputs").
type Request struct {
	UserID          string
	DeviceID        string
	Since           uint64
	Timeout         time.Duration
	FullState       bool
	LazyLoadMembers bool
	TimelineLimit   int
	SetPresence     string // online, offline, unavailable, "" (no change)
}

// Response is the client-server API's /sync response body.
type Response struct {
	NextBatch   string        `json:"next_batch"`
	Rooms       RoomsResponse `json:"rooms"`
	AccountData Events        `json:"account_data"`
	ToDevice    Events        `json:"to_device"`
	Presence    Events        `json:"presence"`
	DeviceLists DeviceLists   `json:"device_lists"`
}

type Events struct {
	Events []json.RawMessage `json:"events"`
}

type RoomsResponse struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

type Timeline struct {
	Events  []json.RawMessage `json:"events"`
	Limited bool              `json:"limited"`
}

type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

type JoinedRoom struct {
	Summary             RoomSummary         `json:"summary"`
	State               Events              `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           Events              `json:"ephemeral"`
	AccountData         Events              `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

type InvitedRoom struct {
	InviteState Events `json:"invite_state"`
}

type LeftRoom struct {
	State    Events   `json:"state"`
	Timeline Timeline `json:"timeline"`
}

type DeviceLists struct {
	Changed []string `json:"changed"`
	Left    []string `json:"left"`
}

// withEventID stamps the out-of-band computed event id onto raw canonical
// JSON before it reaches a client, since room versions v3+ never carry
// event_id in the stored form (§3.1).
func withEventID(raw json.RawMessage, eventID string) json.RawMessage {
	out, err := sjson.SetBytes(raw, "event_id", eventID)
	if err != nil {
		return raw
	}
	return out
}

// Sync builds one /sync response, long-polling up to req.Timeout when an
// incremental request's diff is initially empty (§4.4 step 7).
func (e *Engine) Sync(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.TimelineLimit <= 0 {
		req.TimelineLimit = e.DefaultTimelineLimit
	}
	if req.Timeout > e.MaxTimeout {
		req.Timeout = e.MaxTimeout
	}

	if req.SetPresence != "" {
		if err := e.applyPresence(req.UserID, req.SetPresence); err != nil {
			return nil, err
		}
	}

	waitCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var resp *Response
	for {
		b, err := e.buildResponse(req)
		if err != nil {
			return nil, err
		}
		resp = b.response
		if req.Since == 0 || req.Timeout <= 0 || b.hasChanges {
			break
		}
		if err := e.Notifier.WaitAny(waitCtx, e.watchPrefixes(req.UserID)); err != nil {
			break
		}
	}

	nextBatch, _ := strconv.ParseUint(resp.NextBatch, 10, 64)
	if err := e.Store.SetDevicePosition(req.UserID, req.DeviceID, nextBatch); err != nil {
		return nil, err
	}
	observeSyncMetrics(time.Since(start), time.Since(start))
	return resp, nil
}

func (e *Engine) watchPrefixes(userID string) [][]byte {
	return [][]byte{[]byte(userID)}
}

type builtResponse struct {
	response   *Response
	hasChanges bool
}

func (e *Engine) buildResponse(req Request) (*builtResponse, error) {
	nextBatch, err := e.RoomDB.Counter.Current()
	if err != nil {
		return nil, err
	}

	memberships, err := e.RoomDB.RoomsForUser(req.UserID)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		NextBatch: strconv.FormatUint(nextBatch, 10),
		Rooms: RoomsResponse{
			Join:   map[string]JoinedRoom{},
			Invite: map[string]InvitedRoom{},
			Leave:  map[string]LeftRoom{},
		},
	}
	hasChanges := false

	for _, m := range memberships {
		roomID, err := e.RoomDB.Interner.RoomIDFromShort(m.ShortRoomID)
		if err != nil {
			continue
		}

		switch m.Membership {
		case roomstore.MembershipJoin:
			jr, changed, err := e.buildJoinedRoom(req, roomID, m.ShortRoomID, nextBatch)
			if err != nil {
				return nil, err
			}
			resp.Rooms.Join[roomID] = jr
			hasChanges = hasChanges || changed
		case roomstore.MembershipInvite:
			if uint64(m.Since) <= req.Since {
				continue
			}
			ir, err := e.buildInvitedRoom(roomID)
			if err != nil {
				return nil, err
			}
			resp.Rooms.Invite[roomID] = ir
			hasChanges = true
		default: // leave, ban, knock
			if uint64(m.Since) <= req.Since {
				continue
			}
			lr, err := e.buildLeftRoom(req, roomID, m.ShortRoomID, nextBatch)
			if err != nil {
				return nil, err
			}
			resp.Rooms.Leave[roomID] = lr
			hasChanges = true
		}
	}

	globalAccountData, err := e.Store.AccountData(req.UserID, "")
	if err != nil {
		return nil, err
	}
	for _, raw := range globalAccountData {
		resp.AccountData.Events = append(resp.AccountData.Events, raw)
	}

	// to-device messages are deleted once delivered (DeleteToDeviceUpTo
	// below), so whatever remains at sinceCounter 0 is exactly what this
	// device has not yet acknowledged; its own counter space is unrelated
	// to the PduCount-based next_batch token.
	toDevice, err := e.Store.PendingToDevice(req.UserID, req.DeviceID, 0)
	if err != nil {
		return nil, err
	}
	var highestToDevice uint64
	for _, msg := range toDevice {
		resp.ToDevice.Events = append(resp.ToDevice.Events, msg.Message)
		if msg.Counter > highestToDevice {
			highestToDevice = msg.Counter
		}
	}
	if len(toDevice) > 0 {
		hasChanges = true
		if err := e.Store.DeleteToDeviceUpTo(req.UserID, req.DeviceID, highestToDevice); err != nil {
			return nil, err
		}
	}

	changedUsers, highWatermark, err := e.Store.PendingDeviceListChanges(req.UserID, req.Since)
	if err != nil {
		return nil, err
	}
	resp.DeviceLists.Changed = changedUsers
	if len(changedUsers) > 0 && highWatermark > req.Since {
		hasChanges = true
	}

	presenceEvents, err := e.presenceEventsFor(req.UserID, memberships)
	if err != nil {
		return nil, err
	}
	resp.Presence.Events = presenceEvents

	return &builtResponse{response: resp, hasChanges: hasChanges}, nil
}

func (e *Engine) applyPresence(userID, presence string) error {
	existing, _, err := e.Store.GetPresence(userID)
	if err != nil {
		return err
	}
	existing.UserID = userID
	existing.Presence = presence
	existing.CurrentlyActive = presence == "online"
	return e.Store.SetPresence(existing)
}

// presenceEventsFor reports self presence plus the presence of every user
// sharing a joined room, the set a client needs to render room member
// online/offline indicators.
func (e *Engine) presenceEventsFor(userID string, memberships []roomstore.RoomMembership) ([]json.RawMessage, error) {
	seen := map[string]bool{}
	var out []json.RawMessage
	if self, ok, err := e.Store.GetPresence(userID); err != nil {
		return nil, err
	} else if ok {
		seen[userID] = true
		out = append(out, presenceEventJSON(self))
	}
	for _, m := range memberships {
		if m.Membership != roomstore.MembershipJoin {
			continue
		}
		members, err := e.RoomDB.MembersWithMembership(m.ShortRoomID, roomstore.MembershipJoin)
		if err != nil {
			continue
		}
		for _, member := range members {
			if seen[member] {
				continue
			}
			seen[member] = true
			p, ok, err := e.Store.GetPresence(member)
			if err != nil || !ok {
				continue
			}
			out = append(out, presenceEventJSON(p))
		}
	}
	return out, nil
}

func presenceEventJSON(p syncstore.Presence) json.RawMessage {
	content, _ := json.Marshal(p)
	env := struct {
		Type    string          `json:"type"`
		Sender  string          `json:"sender"`
		Content json.RawMessage `json:"content"`
	}{Type: "m.presence", Sender: p.UserID, Content: content}
	raw, _ := json.Marshal(env)
	return raw
}

func (e *Engine) buildInvitedRoom(roomID string) (InvitedRoom, error) {
	entries, err := e.Query.CurrentState(context.Background(), roomID)
	if err != nil {
		return InvitedRoom{}, err
	}
	var events []json.RawMessage
	for _, entry := range entries {
		raw, ok, err := e.Query.EventByID(context.Background(), entry.EventID)
		if err != nil || !ok {
			continue
		}
		events = append(events, withEventID(raw, entry.EventID))
	}
	return InvitedRoom{InviteState: Events{Events: events}}, nil
}

func (e *Engine) buildLeftRoom(req Request, roomID string, shortRoom uint64, nextBatch uint64) (LeftRoom, error) {
	shorts, err := e.RoomDB.TimelineRange(shortRoom, roomstore.PduCount(req.Since), roomstore.PduCount(nextBatch), 0)
	if err != nil {
		return LeftRoom{}, err
	}
	events, err := e.loadEvents(shorts)
	if err != nil {
		return LeftRoom{}, err
	}
	entries, err := e.Query.CurrentState(context.Background(), roomID)
	if err != nil {
		return LeftRoom{}, err
	}
	var state []json.RawMessage
	for _, entry := range entries {
		raw, ok, err := e.Query.EventByID(context.Background(), entry.EventID)
		if err != nil || !ok {
			continue
		}
		state = append(state, withEventID(raw, entry.EventID))
	}
	return LeftRoom{State: Events{Events: state}, Timeline: Timeline{Events: events}}, nil
}

func (e *Engine) loadEvents(shorts []uint64) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, short := range shorts {
		eventID, err := e.RoomDB.Interner.EventIDFromShort(short)
		if err != nil {
			continue
		}
		raw, err := e.RoomDB.EventJSON(short)
		if err != nil {
			continue
		}
		out = append(out, withEventID(raw, eventID))
	}
	return out, nil
}

func (e *Engine) buildJoinedRoom(req Request, roomID string, shortRoom uint64, nextBatch uint64) (JoinedRoom, bool, error) {
	limit := req.TimelineLimit
	shorts, err := e.RoomDB.TimelineRange(shortRoom, roomstore.PduCount(req.Since), roomstore.PduCount(nextBatch), limit)
	if err != nil {
		return JoinedRoom{}, false, err
	}
	limited := len(shorts) == limit && limit > 0

	timelineEvents, err := e.loadEvents(shorts)
	if err != nil {
		return JoinedRoom{}, false, err
	}

	stateEvents, err := e.computeStateDelta(req, roomID, shortRoom, timelineEvents)
	if err != nil {
		return JoinedRoom{}, false, err
	}

	joinedMembers, err := e.RoomDB.MembersWithMembership(shortRoom, roomstore.MembershipJoin)
	if err != nil {
		return JoinedRoom{}, false, err
	}
	summary := buildSummary(joinedMembers, req.UserID)

	unread, err := e.computeUnread(req.UserID, roomID, len(joinedMembers), timelineEvents)
	if err != nil {
		return JoinedRoom{}, false, err
	}

	ephemeral, err := e.buildEphemeral(roomID)
	if err != nil {
		return JoinedRoom{}, false, err
	}

	roomAccountData, err := e.Store.AccountData(req.UserID, roomID)
	if err != nil {
		return JoinedRoom{}, false, err
	}
	var accountDataEvents []json.RawMessage
	for _, raw := range roomAccountData {
		accountDataEvents = append(accountDataEvents, raw)
	}

	changed := len(timelineEvents) > 0 || len(stateEvents) > 0 || len(ephemeral.Events) > 0
	return JoinedRoom{
		Summary:             summary,
		State:               Events{Events: stateEvents},
		Timeline:            Timeline{Events: timelineEvents, Limited: limited},
		Ephemeral:           ephemeral,
		AccountData:         Events{Events: accountDataEvents},
		UnreadNotifications: unread,
	}, changed, nil
}

// computeStateDelta diffs the room's state between req.Since and the
// current token via the shortstatehash index (§4.4 step 3), then applies
// lazy-loading member filtering (§9): a member event for a sender not seen
// in this timeline window is dropped if already sent to this device,
// unless full_state was requested.
func (e *Engine) computeStateDelta(req Request, roomID string, shortRoom uint64, timeline []json.RawMessage) ([]json.RawMessage, error) {
	currentHash, ok, err := e.RoomDB.CurrentStateHash(shortRoom)
	if err != nil || !ok {
		return nil, err
	}
	current, err := e.RoomDB.Compressor.Resolve(currentHash)
	if err != nil {
		return nil, err
	}

	var before map[uint64]uint64
	if req.Since > 0 && !req.FullState {
		if beforeHash, ok, err := e.RoomDB.StateHashAtOrBeforeToken(shortRoom, req.Since); err == nil && ok {
			before, err = e.RoomDB.Compressor.Resolve(beforeHash)
			if err != nil {
				return nil, err
			}
		}
	}

	senders := map[string]bool{}
	for _, raw := range timeline {
		var pdu eventutil.PDU
		if err := json.Unmarshal(raw, &pdu); err == nil {
			senders[pdu.Sender] = true
		}
	}

	var out []json.RawMessage
	for shortKey, shortEvent := range current {
		if before != nil {
			if prevEvent, existed := before[shortKey]; existed && prevEvent == shortEvent {
				continue
			}
		}
		eventType, stateKey, err := e.RoomDB.Interner.StateKeyFromShort(shortKey)
		if err != nil {
			continue
		}
		if req.LazyLoadMembers && !req.FullState && eventType == "m.room.member" && !senders[stateKey] && stateKey != req.UserID {
			sent, err := e.Store.HasSentLazyMember(req.UserID, req.DeviceID, roomID, stateKey)
			if err == nil && sent {
				continue
			}
			if err := e.Store.MarkLazyMemberSent(req.UserID, req.DeviceID, roomID, stateKey); err != nil {
				return nil, err
			}
		}
		eventID, err := e.RoomDB.Interner.EventIDFromShort(shortEvent)
		if err != nil {
			continue
		}
		raw, err := e.RoomDB.EventJSON(shortEvent)
		if err != nil {
			continue
		}
		out = append(out, withEventID(raw, eventID))
	}
	if req.FullState {
		_ = e.Store.ResetLazyMembers(req.UserID, req.DeviceID, roomID)
	}
	return out, nil
}

func buildSummary(joinedMembers []string, selfUserID string) RoomSummary {
	count := len(joinedMembers)
	summary := RoomSummary{JoinedMemberCount: &count}
	if count > 5 {
		return summary
	}
	var heroes []string
	for _, m := range joinedMembers {
		if m == selfUserID {
			continue
		}
		heroes = append(heroes, m)
		if len(heroes) == 5 {
			break
		}
	}
	summary.Heroes = heroes
	return summary
}

func (e *Engine) buildEphemeral(roomID string) (Events, error) {
	receipts, err := e.Store.ReceiptsForRoom(roomID)
	if err != nil {
		return Events{}, err
	}
	if len(receipts) == 0 {
		return Events{}, nil
	}
	content := map[string]map[string]map[string]interface{}{}
	for userID, r := range receipts {
		if content[r.EventID] == nil {
			content[r.EventID] = map[string]map[string]interface{}{}
		}
		if content[r.EventID][r.Type] == nil {
			content[r.EventID][r.Type] = map[string]interface{}{}
		}
		content[r.EventID][r.Type][userID] = map[string]int64{"ts": r.Timestamp}
	}
	contentRaw, _ := json.Marshal(content)
	env := struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: "m.receipt", Content: contentRaw}
	raw, _ := json.Marshal(env)
	return Events{Events: []json.RawMessage{raw}}, nil
}

// computeUnread evaluates each timeline event the user didn't send against
// their push rules (§4.4 "unread_notifications"); highlight_count and
// notification_count both derive from rule actions, conduwuit's pusher
// service being the grounding source for this evaluation.
func (e *Engine) computeUnread(userID, roomID string, memberCount int, timeline []json.RawMessage) (UnreadNotifications, error) {
	var out UnreadNotifications
	ruleset := pusher.DefaultRuleset(userID)
	rctx := pusher.RoomCtx{RoomID: roomID, MemberCount: memberCount, UserID: userID}
	for _, raw := range timeline {
		var pdu eventutil.PDU
		if err := json.Unmarshal(raw, &pdu); err != nil || pdu.Sender == userID {
			continue
		}
		actions, matched := pusher.GetActions(ruleset, raw, roomID, rctx)
		if !matched {
			continue
		}
		notify, highlight := false, false
		for _, a := range actions {
			switch a.Kind {
			case pusher.ActionNotify, pusher.ActionCoalesce:
				notify = true
			case pusher.ActionSetTweak:
				if a.Tweak == "highlight" && a.BoolTweak() {
					highlight = true
				}
			}
		}
		if notify {
			out.NotificationCount++
			e.dispatchPush(userID, out.NotificationCount, raw, ruleset, rctx)
		}
		if highlight {
			out.HighlightCount++
		}
	}
	return out, nil
}

// dispatchPush hands a matched-rule event to the push gateway in the
// background: a registered pusher's HTTP round-trip shouldn't hold up the
// /sync response that already decided this event is notification-worthy.
func (e *Engine) dispatchPush(userID string, unread int, raw json.RawMessage, ruleset pusher.Ruleset, rctx pusher.RoomCtx) {
	if e.Pusher == nil {
		return
	}
	go func() {
		if err := e.Pusher.Dispatch(context.Background(), userID, unread, raw, ruleset, rctx); err != nil {
			logrus.WithError(err).WithField("user_id", userID).Warn("sync: push dispatch failed")
		}
	}()
}
