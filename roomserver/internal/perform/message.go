package perform

import (
	"context"
	"fmt"
)

// SendEvent builds, signs and inputs a single non-lifecycle PDU against
// roomID's current forward extremity (§6.1 send-message-event,
// send-state-event): a message, a reaction, redaction, or any other event
// type a client submits outside the create/membership flows that CreateRoom
// and the membership helpers already cover.
func (p *Performer) SendEvent(ctx context.Context, roomID, sender, eventType string, stateKey *string, content interface{}) (eventID string, err error) {
	roomVersion, err := p.roomVersionFor(roomID, "")
	if err != nil {
		return "", fmt.Errorf("perform: resolving room version for %s: %w", roomID, err)
	}
	prevEvent, err := p.currentEventForRoom(roomID)
	if err != nil {
		return "", err
	}
	return p.buildAndInput(ctx, roomID, roomVersion, sender, eventType, stateKey, content, prevEvent)
}
