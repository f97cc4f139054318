// Package perform implements room lifecycle operations built atop the
// input pipeline: create, upgrade, invite, join, leave, ban (§4.6).
package perform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/util"
	"github.com/dendrite-core/homeserver/roomserver/internal/input"
)

// Signer produces a signed, hashed wire-form PDU from an unsigned template,
// the last step before handing an event to the input pipeline (§3.1).
type Signer interface {
	SignEvent(roomVersion eventutil.RoomVersion, unsigned json.RawMessage) (json.RawMessage, error)
}

// Performer drives multi-event room operations through the input pipeline,
// the way a local client's createRoom/upgrade/invite/join/leave/ban request
// is actually a short sequence of individually-input PDUs (§4.6, §6.1).
type Performer struct {
	Input      *input.Inputer
	Signer     Signer
	ServerName string
}

func NewPerformer(in *input.Inputer, signer Signer, serverName string) *Performer {
	return &Performer{Input: in, Signer: signer, ServerName: serverName}
}

// CreateRoomRequest mirrors the createRoom sequence §6.1 describes: create
// event, sender join, power levels, alias/canonical-alias, join-rules,
// history-visibility, guest-access, initial_state events, name, topic,
// invites.
type CreateRoomRequest struct {
	Creator         string
	RoomVersion     eventutil.RoomVersion
	Name            string
	Topic           string
	RoomAliasName   string
	Preset          string // "public_chat", "private_chat", "trusted_private_chat"
	InitialState    []json.RawMessage
	InvitedUserIDs  []string
	PowerLevelUsers map[string]int64
}

func (p *Performer) CreateRoom(ctx context.Context, req CreateRoomRequest) (roomID string, err error) {
	if req.RoomVersion == "" {
		req.RoomVersion = eventutil.RoomVersionV11
	}
	roomID = fmt.Sprintf("!%s:%s", uuid.NewString(), p.ServerName)
	var prevEvent string

	send := func(kind string, stateKey *string, content interface{}) error {
		raw, sendErr := p.buildAndInput(ctx, roomID, req.RoomVersion, req.Creator, kind, stateKey, content, prevEvent)
		if sendErr != nil {
			return sendErr
		}
		prevEvent = raw
		return nil
	}

	createContent := map[string]interface{}{"room_version": string(req.RoomVersion)}
	if !req.RoomVersion.CreatorFromRoomID() {
		createContent["creator"] = req.Creator
	}
	empty := ""
	if err := send("m.room.create", &empty, createContent); err != nil {
		return "", fmt.Errorf("perform: posting m.room.create: %w", err)
	}

	creatorKey := req.Creator
	if err := send("m.room.member", &creatorKey, map[string]string{"membership": "join"}); err != nil {
		return "", fmt.Errorf("perform: creator join: %w", err)
	}

	plUsers := map[string]int64{req.Creator: 100}
	for user, lvl := range req.PowerLevelUsers {
		plUsers[user] = lvl
	}
	if err := send("m.room.power_levels", &empty, map[string]interface{}{"users": plUsers}); err != nil {
		return "", fmt.Errorf("perform: posting power_levels: %w", err)
	}

	if req.RoomAliasName != "" {
		alias := util.NormalizeRoomAlias(fmt.Sprintf("#%s:%s", req.RoomAliasName, p.ServerName))
		if err := send("m.room.canonical_alias", &empty, map[string]string{"alias": alias}); err != nil {
			return "", fmt.Errorf("perform: posting canonical_alias: %w", err)
		}
	}

	joinRule := "invite"
	if req.Preset == "public_chat" {
		joinRule = "public"
	}
	if err := send("m.room.join_rules", &empty, map[string]string{"join_rule": joinRule}); err != nil {
		return "", fmt.Errorf("perform: posting join_rules: %w", err)
	}

	historyVis := "shared"
	if err := send("m.room.history_visibility", &empty, map[string]string{"history_visibility": historyVis}); err != nil {
		return "", fmt.Errorf("perform: posting history_visibility: %w", err)
	}

	guestAccess := "forbidden"
	if err := send("m.room.guest_access", &empty, map[string]string{"guest_access": guestAccess}); err != nil {
		return "", fmt.Errorf("perform: posting guest_access: %w", err)
	}

	for _, initial := range req.InitialState {
		var ev struct {
			Type     string          `json:"type"`
			StateKey string          `json:"state_key"`
			Content  json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(initial, &ev); err != nil {
			continue
		}
		if len(ev.Content) == 0 || string(ev.Content) == "{}" {
			continue // skip empty-object initial_state entries (§6.1)
		}
		if ev.Type == "m.room.encryption" {
			continue // disallowed-encryption initial_state is dropped (§6.1)
		}
		sk := ev.StateKey
		if err := send(ev.Type, &sk, json.RawMessage(ev.Content)); err != nil {
			return "", fmt.Errorf("perform: posting initial_state %s: %w", ev.Type, err)
		}
	}

	if req.Name != "" {
		if err := send("m.room.name", &empty, map[string]string{"name": req.Name}); err != nil {
			return "", fmt.Errorf("perform: posting name: %w", err)
		}
	}
	if req.Topic != "" {
		if err := send("m.room.topic", &empty, map[string]string{"topic": req.Topic}); err != nil {
			return "", fmt.Errorf("perform: posting topic: %w", err)
		}
	}

	for _, invitee := range req.InvitedUserIDs {
		u := invitee
		if err := send("m.room.member", &u, map[string]string{"membership": "invite"}); err != nil {
			return "", fmt.Errorf("perform: inviting %s: %w", invitee, err)
		}
	}

	return roomID, nil
}

func (p *Performer) buildAndInput(ctx context.Context, roomID string, roomVersion eventutil.RoomVersion, sender, kind string, stateKey *string, content interface{}, prevEvent string) (string, error) {
	contentRaw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	var prevEvents []string
	if prevEvent != "" {
		prevEvents = []string{prevEvent}
	}
	unsigned := struct {
		RoomID         string          `json:"room_id"`
		Sender         string          `json:"sender"`
		OriginServerTS int64           `json:"origin_server_ts"`
		Kind           string          `json:"type"`
		Content        json.RawMessage `json:"content"`
		StateKey       *string         `json:"state_key,omitempty"`
		PrevEvents     []string        `json:"prev_events"`
		AuthEvents     []string        `json:"auth_events"`
	}{
		RoomID: roomID, Sender: sender, OriginServerTS: time.Now().UnixMilli(),
		Kind: kind, Content: contentRaw, StateKey: stateKey, PrevEvents: prevEvents,
	}
	unsignedRaw, err := json.Marshal(unsigned)
	if err != nil {
		return "", err
	}
	signed, err := p.Signer.SignEvent(roomVersion, unsignedRaw)
	if err != nil {
		return "", fmt.Errorf("perform: signing event: %w", err)
	}
	outcome, err := p.Input.InputPDU(ctx, p.ServerName, roomID, signed)
	if err != nil {
		return "", err
	}
	if outcome.Rejected {
		return "", fmt.Errorf("perform: event rejected: %s", outcome.Reason)
	}
	return outcome.EventID, nil
}
