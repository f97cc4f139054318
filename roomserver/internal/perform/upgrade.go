package perform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dendrite-core/homeserver/internal/eventutil"
)

// transferableStateTypes are copied content-only from the old room to the
// new one during an upgrade (§4.6 step 5).
var transferableStateTypes = []string{
	"m.room.server_acl",
	"m.room.encryption",
	"m.room.name",
	"m.room.avatar",
	"m.room.topic",
	"m.room.guest_access",
	"m.room.history_visibility",
	"m.room.join_rules",
	"m.room.power_levels",
}

// UpgradeRoom implements §4.6: tombstone the old room, create the
// replacement with a predecessor link, transfer state, and freeze the old
// room against further activity. Local aliases are not moved to the new
// room.
func (p *Performer) UpgradeRoom(ctx context.Context, oldRoomID, sender string, newVersion eventutil.RoomVersion) (newRoomID string, err error) {
	oldVersion, err := p.roomVersionFor(oldRoomID, "")
	if err != nil {
		return "", err
	}

	newRoomID = fmt.Sprintf("!%s:%s", uuid.NewString(), p.ServerName)

	oldPrev, err := p.currentEventForRoom(oldRoomID)
	if err != nil {
		return "", err
	}
	tombstoneContent := map[string]interface{}{
		"body":             fmt.Sprintf("This room has been replaced by %s", newRoomID),
		"replacement_room": newRoomID,
	}
	empty := ""
	tombstoneID, err := p.buildAndInput(ctx, oldRoomID, oldVersion, sender, "m.room.tombstone", &empty, tombstoneContent, oldPrev)
	if err != nil {
		return "", fmt.Errorf("perform: posting tombstone: %w", err)
	}

	var newPrev string
	createContent := map[string]interface{}{
		"room_version": string(newVersion),
		"predecessor":  map[string]string{"room_id": oldRoomID, "event_id": tombstoneID},
	}
	if !newVersion.CreatorFromRoomID() {
		createContent["creator"] = sender
	}
	createID, err := p.buildAndInput(ctx, newRoomID, newVersion, sender, "m.room.create", &empty, createContent, "")
	if err != nil {
		return "", fmt.Errorf("perform: posting replacement create: %w", err)
	}
	newPrev = createID

	senderKey := sender
	joinID, err := p.buildAndInput(ctx, newRoomID, newVersion, sender, "m.room.member", &senderKey, map[string]string{"membership": "join"}, newPrev)
	if err != nil {
		return "", fmt.Errorf("perform: sender join in replacement room: %w", err)
	}
	newPrev = joinID

	oldShortRoom, ok, err := p.Input.DB.Interner.GetShortRoomID(oldRoomID)
	if err != nil {
		return "", err
	}
	var oldHash uint64
	if ok {
		oldHash, ok, err = p.Input.DB.CurrentStateHash(oldShortRoom)
		if err != nil {
			return "", err
		}
	}
	var oldCompact map[uint64]uint64
	if ok {
		oldCompact, err = p.Input.DB.Compressor.Resolve(oldHash)
		if err != nil {
			return "", err
		}
	}

	for _, eventType := range transferableStateTypes {
		content, found := p.lookupStateContent(oldCompact, eventType)
		if !found {
			continue
		}
		id, err := p.buildAndInput(ctx, newRoomID, newVersion, sender, eventType, &empty, json.RawMessage(content), newPrev)
		if err != nil {
			return "", fmt.Errorf("perform: transferring %s: %w", eventType, err)
		}
		newPrev = id
	}

	// TODO: move local aliases from oldRoomID to newRoomID once the alias
	// directory component is wired in (step 6).

	// Step 7: raise events_default/invite in the old room to freeze it.
	if err := p.freezeRoom(ctx, oldRoomID, oldVersion, sender, tombstoneID); err != nil {
		return "", fmt.Errorf("perform: freezing old room: %w", err)
	}

	return newRoomID, nil
}

func (p *Performer) lookupStateContent(compact map[uint64]uint64, eventType string) (json.RawMessage, bool) {
	if compact == nil {
		return nil, false
	}
	shortKey, ok, err := p.Input.DB.Interner.GetShortStateKey(eventType, "")
	if err != nil || !ok {
		return nil, false
	}
	shortEventID, ok := compact[shortKey]
	if !ok {
		return nil, false
	}
	raw, err := p.Input.DB.EventJSON(shortEventID)
	if err != nil {
		return nil, false
	}
	var envelope struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, false
	}
	return envelope.Content, true
}

func (p *Performer) freezeRoom(ctx context.Context, roomID string, roomVersion eventutil.RoomVersion, sender, prevEvent string) error {
	shortRoom, ok, err := p.Input.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return nil
	}
	hash, ok, err := p.Input.DB.CurrentStateHash(shortRoom)
	if err != nil || !ok {
		return nil
	}
	compact, err := p.Input.DB.Compressor.Resolve(hash)
	if err != nil {
		return err
	}
	content, found := p.lookupStateContent(compact, "m.room.power_levels")
	var pl map[string]interface{}
	if found {
		_ = json.Unmarshal(content, &pl)
	} else {
		pl = map[string]interface{}{}
	}
	usersDefault := int64(0)
	if v, ok := pl["users_default"].(float64); ok {
		usersDefault = int64(v)
	}
	freeze := usersDefault + 1
	if freeze < 50 {
		freeze = 50
	}
	pl["events_default"] = freeze
	pl["invite"] = freeze
	empty := ""
	_, err = p.buildAndInput(ctx, roomID, roomVersion, sender, "m.room.power_levels", &empty, pl, prevEvent)
	return err
}
