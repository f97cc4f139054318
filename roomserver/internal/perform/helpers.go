package perform

import (
	"encoding/json"
	"fmt"

	"github.com/dendrite-core/homeserver/internal/eventutil"
)

// roomVersionFor resolves the room's version from its create event,
// falling back to the caller-supplied hint only if the room is not yet
// known locally (e.g. the very first event of a room being created).
func (p *Performer) roomVersionFor(roomID, hint string) (eventutil.RoomVersion, error) {
	shortRoom, ok, err := p.Input.DB.Interner.GetShortRoomID(roomID)
	if err != nil {
		return "", err
	}
	if !ok {
		if hint == "" {
			return "", fmt.Errorf("perform: unknown room %s and no room version hint given", roomID)
		}
		return eventutil.RoomVersion(hint), nil
	}
	hash, ok, err := p.Input.DB.CurrentStateHash(shortRoom)
	if err != nil || !ok {
		return eventutil.RoomVersionV9, nil
	}
	compact, err := p.Input.DB.Compressor.Resolve(hash)
	if err != nil {
		return "", err
	}
	shortKey, ok, err := p.Input.DB.Interner.GetShortStateKey("m.room.create", "")
	if err != nil || !ok {
		return eventutil.RoomVersionV9, nil
	}
	shortEventID, ok := compact[shortKey]
	if !ok {
		return eventutil.RoomVersionV9, nil
	}
	raw, err := p.Input.DB.EventJSON(shortEventID)
	if err != nil {
		return eventutil.RoomVersionV9, nil
	}
	var cc struct {
		Content struct {
			RoomVersion string `json:"room_version"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil || cc.Content.RoomVersion == "" {
		return eventutil.RoomVersionV1, nil
	}
	return eventutil.RoomVersion(cc.Content.RoomVersion), nil
}

// currentEventForRoom returns one of the room's current forward-extremity
// event ids, used as prev_events for the next locally produced event. Rooms
// with more than one extremity still pick just one here; the input
// pipeline's own state resolution reconciles the rest on append.
func (p *Performer) currentEventForRoom(roomID string) (string, error) {
	shortRoom, ok, err := p.Input.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return "", nil
	}
	extremities, err := p.Input.DB.ForwardExtremities(shortRoom)
	if err != nil || len(extremities) == 0 {
		return "", nil
	}
	return p.Input.DB.Interner.EventIDFromShort(extremities[0])
}
