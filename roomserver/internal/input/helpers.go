package input

import (
	"context"
	"encoding/json"
	"fmt"

	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dendrite-core/homeserver/federationapi/queue"
	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/internal/signing"
	"github.com/dendrite-core/homeserver/internal/util"
	"github.com/dendrite-core/homeserver/roomserver/state"
	"github.com/dendrite-core/homeserver/roomserver/storage"
)

// verifySignaturesAndHash implements §4.3 steps 2-3: fetch each signing
// server's verify key (cached, notary-backed) and check the event's
// signatures and content hash.
func (in *Inputer) verifySignaturesAndHash(ctx context.Context, roomVersion eventutil.RoomVersion, pdu *eventutil.PDU, canon []byte) error {
	for server, sigs := range pdu.Signatures {
		for keyID, sigB64 := range sigs {
			vk, err := in.Keys.VerifyKey(ctx, server, signing.KeyID(keyID))
			if err != nil {
				return fmt.Errorf("input: fetching verify key %s/%s: %w", server, keyID, err)
			}
			ok, err := signing.VerifySignature(vk.PublicKey, canon, sigB64)
			if err != nil || !ok {
				return fmt.Errorf("input: signature verification failed for %s/%s", server, keyID)
			}
		}
	}
	expected, err := eventutil.ContentHash(roomVersion, canon)
	if err != nil {
		return fmt.Errorf("input: computing content hash: %w", err)
	}
	if got := pdu.Hashes["sha256"]; got != expected {
		return fmt.Errorf("input: content hash mismatch: got %s want %s", got, expected)
	}
	return nil
}

// checkACL implements §4.3 step 4: deny events whose origin matches the
// room's m.room.server_acl deny list, if one exists.
func (in *Inputer) checkACL(ctx context.Context, roomID, origin string) (denied bool, err error) {
	shortRoom, ok, err := in.DB.Interner.GetShortRoomID(roomID)
	if err != nil || !ok {
		return false, err
	}
	hash, ok, err := in.DB.CurrentStateHash(shortRoom)
	if err != nil || !ok {
		return false, err
	}
	compact, err := in.DB.Compressor.Resolve(hash)
	if err != nil {
		return false, err
	}
	shortKey, ok, err := in.DB.Interner.GetShortStateKey("m.room.server_acl", "")
	if err != nil || !ok {
		return false, err
	}
	shortEventID, ok := compact[shortKey]
	if !ok {
		return false, nil
	}
	eventID, err := in.DB.Interner.EventIDFromShort(shortEventID)
	if err != nil {
		return false, err
	}
	raw, err := in.DB.EventJSON(shortEventID)
	if err != nil {
		return false, fmt.Errorf("input: loading ACL event %s: %w", eventID, err)
	}
	var envelope struct {
		Content struct {
			Deny []string `json:"deny"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, nil
	}
	for _, pattern := range envelope.Content.Deny {
		if aclMatches(pattern, origin) {
			return true, nil
		}
	}
	return false, nil
}

// aclMatches implements the ACL glob syntax (`*` any run, `?` one char).
func aclMatches(pattern, origin string) bool {
	return globMatch(pattern, origin)
}

func globMatch(pattern, s string) bool {
	// Minimal glob matcher supporting '*' and '?', sufficient for ACL
	// patterns like "*.evil.example" (§4.3 step 4).
	var match func(p, s string) bool
	match = func(p, s string) bool {
		for len(p) > 0 {
			switch p[0] {
			case '*':
				for len(p) > 1 && p[1] == '*' {
					p = p[1:]
				}
				if len(p) == 1 {
					return true
				}
				for i := 0; i <= len(s); i++ {
					if match(p[1:], s[i:]) {
						return true
					}
				}
				return false
			case '?':
				if len(s) == 0 {
					return false
				}
				p, s = p[1:], s[1:]
			default:
				if len(s) == 0 || s[0] != p[0] {
					return false
				}
				p, s = p[1:], s[1:]
			}
		}
		return len(s) == 0
	}
	return match(pattern, s)
}

// ensureEventsKnown implements §4.3 steps 5-6: recursively fetch any
// unknown event via federation, storing each fetched event's JSON without
// placing it in the timeline. Once max_fetch_prev_events fetches have been
// made, ids that are still unknown are neither fetched nor stored.
func (in *Inputer) ensureEventsKnown(ctx context.Context, origin, roomID string, eventIDs []string) error {
	depth := 0
	queue := append([]string{}, eventIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if in.eventKnown(id) {
			continue
		}
		if depth >= in.Config.MaxFetchPrevEvents {
			continue // exceeding the bound: leave unresolved, caller treats it as absent (outlier territory)
		}
		depth++
		raw, err := in.Federation.GetEvent(ctx, origin, id)
		if err != nil {
			return fmt.Errorf("input: fetching missing event %s: %w", id, err)
		}
		var pdu eventutil.PDU
		if err := json.Unmarshal(raw, &pdu); err != nil {
			continue
		}
		if err := in.storeOutlier(id, raw); err != nil {
			return err
		}
		queue = append(queue, pdu.PrevEvents...)
	}
	return nil
}

func (in *Inputer) eventKnown(eventID string) bool {
	short, err := in.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return false
	}
	_, err = in.DB.EventJSON(short)
	return err == nil
}

func (in *Inputer) storeOutlier(eventID string, raw json.RawMessage) error {
	short, err := in.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return err
	}
	return in.DB.PutEventJSON(short, raw)
}

func (in *Inputer) storeEventJSON(eventID string, canon []byte) error {
	short, err := in.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return err
	}
	return in.DB.PutEventJSON(short, canon)
}

// stateBefore computes the pre-state for an event from its prev_events
// (§4.3 step 7): each prev's state-after, resolved together if there are
// more than one.
func (in *Inputer) stateBefore(roomID string, roomVersion eventutil.RoomVersion, prevEvents []string) (state.StateMap, error) {
	var maps []state.StateMap
	for _, prevID := range prevEvents {
		sm, err := in.stateAfterEvent(prevID)
		if err != nil {
			continue // unfetchable prev: treated as absent, per §4.1's failure mode
		}
		maps = append(maps, sm)
	}
	return state.Resolve(roomVersion, maps, in.provider())
}

// stateAfterEvent looks up the state-after index for eventID via its
// recorded shortstatehash, used to avoid re-resolving from scratch each time
// the same prev_event is referenced by multiple children.
func (in *Inputer) stateAfterEvent(eventID string) (state.StateMap, error) {
	short, err := in.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return nil, err
	}
	hash, ok, err := in.DB.CurrentStateHash(short) // reuses the same hash table, keyed by shorteventid when called this way
	if err != nil || !ok {
		return state.StateMap{}, nil
	}
	compact, err := in.DB.Compressor.Resolve(hash)
	if err != nil {
		return nil, err
	}
	out := state.StateMap{}
	for shortKey, shortEvent := range compact {
		evType, stateKey, err := in.DB.Interner.StateKeyFromShort(shortKey)
		if err != nil {
			continue
		}
		id, err := in.DB.Interner.EventIDFromShort(shortEvent)
		if err != nil {
			continue
		}
		out[eventutil.StateTuple{Type: evType, StateKey: stateKey}] = id
	}
	return out, nil
}

type eventViewProvider struct{ in *Inputer }

func (p eventViewProvider) Event(eventID string) (*state.EventView, bool) {
	short, err := p.in.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return nil, false
	}
	raw, err := p.in.DB.EventJSON(short)
	if err != nil {
		return nil, false
	}
	var pdu eventutil.PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, false
	}
	return &state.EventView{
		EventID: eventID, RoomID: pdu.RoomID, Kind: pdu.Kind, StateKey: pdu.StateKey,
		Sender: pdu.Sender, Content: pdu.Content, AuthEvents: pdu.AuthEvents,
		PrevEvents: pdu.PrevEvents, OriginServerTS: pdu.OriginServerTS, Depth: pdu.Depth,
	}, true
}

func (in *Inputer) provider() state.EventProvider { return eventViewProvider{in: in} }

// appendToTimeline implements §4.3 step 9. origin is the server the PDU
// arrived from (locally-built events pass this deployment's own server
// name), used to exclude that server from the destinations it gets
// re-federated to; canon is the event's canonical JSON, handed straight to
// the outbound queue so it doesn't have to re-marshal the PDU.
func (in *Inputer) appendToTimeline(origin, roomID, eventID string, pdu *eventutil.PDU, postState state.StateMap, canon json.RawMessage) error {
	shortRoom, err := in.DB.Interner.GetOrCreateShortRoomID(roomID)
	if err != nil {
		return err
	}
	shortEventID, err := in.DB.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return err
	}

	compact := state.CompactSet{}
	for tuple, id := range postState {
		shortKey, err := in.DB.Interner.GetOrCreateShortStateKey(tuple.Type, tuple.StateKey)
		if err != nil {
			return err
		}
		shortID, err := in.DB.Interner.GetOrCreateShortEventID(id)
		if err != nil {
			return err
		}
		compact[shortKey] = shortID
	}
	newHash, err := shortStateHashFor(in, compact)
	if err != nil {
		return err
	}
	if err := in.DB.Compressor.StoreSnapshot(newHash, compact); err != nil {
		return err
	}
	if err := in.DB.SetCurrentStateHash(shortRoom, newHash); err != nil {
		return err
	}
	// Keep the per-event state-after hash addressable under the event's own
	// shorteventid too, since stateAfterEvent looks state up that way.
	if err := in.DB.SetCurrentStateHash(shortEventID, newHash); err != nil {
		return err
	}

	count, err := in.DB.NextNormalPduCount(shortRoom)
	if err != nil {
		return err
	}
	if err := in.DB.AppendTimelineEvent(shortRoom, count, shortEventID); err != nil {
		return err
	}

	var prevShorts []uint64
	for _, prevID := range pdu.PrevEvents {
		s, err := in.DB.Interner.GetOrCreateShortEventID(prevID)
		if err != nil {
			return err
		}
		prevShorts = append(prevShorts, s)
	}
	if err := in.DB.UpdateForwardExtremities(shortRoom, prevShorts, shortEventID); err != nil {
		return err
	}
	if err := in.DB.RecordTokenState(shortRoom, uint64(count), newHash); err != nil {
		return err
	}

	in.enqueueOutbound(origin, shortRoom, roomID, canon)

	if tuple, ok := pdu.StateTuple(); ok && tuple.Type == "m.room.member" {
		var mc struct {
			Membership string `json:"membership"`
		}
		_ = json.Unmarshal(pdu.Content, &mc)
		if mc.Membership != "" {
			if err := in.DB.SetMembership(shortRoom, tuple.StateKey, storage.Membership(mc.Membership), count); err != nil {
				return err
			}
		}
	}
	return nil
}

// enqueueOutbound implements §2's "Timeline append -> Outbound sender ->
// per-destination queue -> Federation transport" and §4.5: every event
// appended to a room's timeline is handed to the outbound queue for each
// remote server with a currently-joined member, save origin (who sent it
// to us) and this deployment's own server name. A nil Outbound (no
// federation sender configured, e.g. in tests) is a no-op.
func (in *Inputer) enqueueOutbound(origin string, shortRoom uint64, roomID string, canon json.RawMessage) {
	if in.Outbound == nil {
		return
	}
	members, err := in.DB.MembersWithMembership(shortRoom, storage.MembershipJoin)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("input: listing joined members for federation fan-out failed")
		return
	}
	seen := map[string]struct{}{}
	for _, userID := range members {
		server := util.NormalizeServerName(serverFromUserID(userID))
		if server == "" || server == in.ServerName || server == origin {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		in.Outbound.EnqueuePDU(queue.NormalDestination(server), canon)
	}
}

// serverFromUserID extracts the server name from a fully-qualified
// "@localpart:server" Matrix user ID.
func serverFromUserID(userID string) string {
	idx := strings.IndexByte(userID, ':')
	if idx < 0 || idx+1 >= len(userID) {
		return ""
	}
	return userID[idx+1:]
}

// shortStateHashFor interns the compact set's identity as a shortstatehash,
// content-addressed by the sorted (shortstatekey, shorteventid) pairs.
func shortStateHashFor(in *Inputer, compact state.CompactSet) (uint64, error) {
	digest := hashCompactSet(compact)
	short, _, err := in.DB.Interner.GetOrCreateShortStateHash(digest)
	return short, err
}

// hashCompactSet derives a content address for a state set from its sorted
// (shortstatekey, shorteventid) pairs, used to dedupe identical state sets
// reached by different events under the same shortstatehash (§3.3).
func hashCompactSet(compact state.CompactSet) []byte {
	keys := make([]uint64, 0, len(compact))
	for k := range compact {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	h := sha256.New()
	buf := make([]byte, 16)
	for _, k := range keys {
		binary.BigEndian.PutUint64(buf[0:8], k)
		binary.BigEndian.PutUint64(buf[8:16], compact[k])
		h.Write(buf)
	}
	return h.Sum(nil)
}
