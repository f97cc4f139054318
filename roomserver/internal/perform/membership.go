package perform

import (
	"context"
	"fmt"
)

// Invite posts an m.room.member(invite) event for target, sent by sender
// (§4.2 m.room.member invite transition).
func (p *Performer) Invite(ctx context.Context, roomID, roomVersionRaw, sender, target string) error {
	return p.sendMembership(ctx, roomID, roomVersionRaw, sender, target, "invite", nil)
}

// Join posts an m.room.member(join) event for user (§4.2 join transition).
// authorisedVia carries join_authorised_via_users_server for restricted
// rooms; empty for ordinary joins.
func (p *Performer) Join(ctx context.Context, roomID, roomVersionRaw, user, authorisedVia string) error {
	content := map[string]interface{}{"membership": "join"}
	if authorisedVia != "" {
		content["join_authorised_via_users_server"] = authorisedVia
	}
	return p.sendMembershipContent(ctx, roomID, roomVersionRaw, user, user, content)
}

// Leave posts an m.room.member(leave) event; if sender != target, this is a
// kick and requires kick power (enforced by the auth engine, §4.2).
func (p *Performer) Leave(ctx context.Context, roomID, roomVersionRaw, sender, target string) error {
	return p.sendMembership(ctx, roomID, roomVersionRaw, sender, target, "leave", nil)
}

// Ban posts an m.room.member(ban) event; requires ban power and sender
// level strictly above the target's (§4.2 ban transition).
func (p *Performer) Ban(ctx context.Context, roomID, roomVersionRaw, sender, target string) error {
	return p.sendMembership(ctx, roomID, roomVersionRaw, sender, target, "ban", nil)
}

func (p *Performer) sendMembership(ctx context.Context, roomID, roomVersionRaw, sender, target, membership string, extra map[string]interface{}) error {
	content := map[string]interface{}{"membership": membership}
	for k, v := range extra {
		content[k] = v
	}
	return p.sendMembershipContent(ctx, roomID, roomVersionRaw, sender, target, content)
}

func (p *Performer) sendMembershipContent(ctx context.Context, roomID, roomVersionRaw, sender, target string, content map[string]interface{}) error {
	roomVersion, err := p.roomVersionFor(roomID, roomVersionRaw)
	if err != nil {
		return err
	}
	prevEvent, err := p.currentEventForRoom(roomID)
	if err != nil {
		return err
	}
	_, err = p.buildAndInput(ctx, roomID, roomVersion, sender, "m.room.member", &target, content, prevEvent)
	if err != nil {
		return fmt.Errorf("perform: membership change %s for %s: %w", content["membership"], target, err)
	}
	return nil
}
