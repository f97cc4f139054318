package state

import (
	"encoding/json"
	"sort"

	"github.com/dendrite-core/homeserver/internal/eventutil"
	"github.com/dendrite-core/homeserver/roomserver/auth"
)

// Resolve merges sibling state maps into one authoritative state, per
// §4.1: v1 rooms use the simpler legacy algorithm, v2+ rooms use the full
// algorithm described below.
func Resolve(roomVersion eventutil.RoomVersion, states []StateMap, provider EventProvider) (StateMap, error) {
	if len(states) == 0 {
		return StateMap{}, nil
	}
	if len(states) == 1 {
		return states[0], nil
	}
	if roomVersion.StateResolutionV2() {
		return resolveV2(states, provider)
	}
	return resolveV1(states, provider)
}

func partition(states []StateMap) (unconflicted StateMap, conflicted map[eventutil.StateTuple][]string) {
	unconflicted = StateMap{}
	conflicted = map[eventutil.StateTuple][]string{}

	allKeys := map[eventutil.StateTuple]struct{}{}
	for _, s := range states {
		for k := range s {
			allKeys[k] = struct{}{}
		}
	}

	for key := range allKeys {
		var ids []string
		seen := map[string]bool{}
		agree := true
		var first string
		firstSet := false
		for _, s := range states {
			id, ok := s[key]
			if !ok {
				continue // an input that lacks the key does not make it conflicted
			}
			if !firstSet {
				first = id
				firstSet = true
			} else if id != first {
				agree = false
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if agree && firstSet {
			unconflicted[key] = first
		} else {
			conflicted[key] = ids
		}
	}
	return unconflicted, conflicted
}

// authDifference computes events that are in some input's auth chain but
// not every input's auth chain (§4.1 step 2), bounded by a generous depth
// to avoid runaway recursion on malformed graphs.
func authDifference(states []StateMap, provider EventProvider) []string {
	chains := make([]map[string]struct{}, len(states))
	for i, s := range states {
		chains[i] = fullAuthChain(eventIDs(s), provider)
	}
	union := map[string]struct{}{}
	for _, c := range chains {
		for id := range c {
			union[id] = struct{}{}
		}
	}
	var diff []string
	for id := range union {
		inAll := true
		for _, c := range chains {
			if _, ok := c[id]; !ok {
				inAll = false
				break
			}
		}
		if !inAll {
			diff = append(diff, id)
		}
	}
	return diff
}

func eventIDs(s StateMap) []string {
	ids := make([]string, 0, len(s))
	for _, id := range s {
		ids = append(ids, id)
	}
	return ids
}

func fullAuthChain(roots []string, provider EventProvider) map[string]struct{} {
	seen := map[string]struct{}{}
	queue := append([]string{}, roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ev, ok := provider.Event(id)
		if !ok {
			continue // unfetchable events are treated as absent, never block resolution
		}
		queue = append(queue, ev.AuthEvents...)
	}
	return seen
}

// sortByTSThenID orders events by origin_server_ts ascending and, on equal
// timestamps, by event_id descending, so that of two tied events the one
// with the lexicographically smaller id is applied later and its value
// stands.
func sortByTSThenID(evs []*EventView) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].OriginServerTS != evs[j].OriginServerTS {
			return evs[i].OriginServerTS < evs[j].OriginServerTS
		}
		return evs[i].EventID > evs[j].EventID
	})
}

// topoSortByAuth returns events ordered so that every event appears after
// the events in its own auth_events that are also in the set — i.e.
// ancestors first, the order iterative auth application needs. Ties among
// ready nodes break as sortByTSThenID orders them.
func topoSortByAuth(events []*EventView) []*EventView {
	byID := make(map[string]*EventView, len(events))
	for _, e := range events {
		byID[e.EventID] = e
	}
	inDegree := make(map[string]int, len(events))
	children := make(map[string][]string)
	for _, e := range events {
		inDegree[e.EventID] = 0
	}
	for _, e := range events {
		for _, a := range e.AuthEvents {
			if _, ok := byID[a]; ok {
				inDegree[e.EventID]++
				children[a] = append(children[a], e.EventID)
			}
		}
	}
	var ready []*EventView
	for _, e := range events {
		if inDegree[e.EventID] == 0 {
			ready = append(ready, e)
		}
	}
	sortByTSThenID(ready)

	order := make([]*EventView, 0, len(events))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var newlyReady []*EventView
		for _, childID := range children[n.EventID] {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				newlyReady = append(newlyReady, byID[childID])
			}
		}
		sortByTSThenID(newlyReady)
		ready = append(ready, newlyReady...)
		sortByTSThenID(ready)
	}
	return order
}

// applyIteratively walks events in order, keeping each one (folding it into
// the accumulated state) iff it passes auth against the state accumulated
// so far (§4.1 step 4/5: "apply each event in order, keeping it iff it
// passes auth against the accumulated state").
func applyIteratively(roomVersion eventutil.RoomVersion, base StateMap, events []*EventView, provider EventProvider) StateMap {
	accum := StateMap{}
	for k, v := range base {
		accum[k] = v
	}
	for _, ev := range events {
		authState := buildAuthState(ev, accum, provider)
		result := auth.Check(toAuthEvent(ev), authState, roomVersion)
		if !result.Allow {
			continue
		}
		if tuple, ok := ev.StateTuple(); ok {
			accum[tuple] = ev.EventID
		}
	}
	return accum
}

// buildAuthState derives the state map auth.Check needs (the event's
// m.room.create / power_levels / join_rules / relevant-member entries) from
// the accumulated state, since §4.2 auth rules only ever look at a handful
// of state tuples.
func buildAuthState(ev *EventView, accum StateMap, provider EventProvider) auth.State {
	as := auth.State{}
	add := func(evType, stateKey string) {
		tuple := eventutil.StateTuple{Type: evType, StateKey: stateKey}
		id, ok := accum[tuple]
		if !ok {
			return
		}
		view, ok := provider.Event(id)
		if !ok {
			return
		}
		as[tuple] = toAuthEvent(view)
	}
	add("m.room.create", "")
	add("m.room.power_levels", "")
	add("m.room.join_rules", "")
	add("m.room.member", ev.Sender)
	if tuple, ok := ev.StateTuple(); ok && tuple.Type == "m.room.member" {
		add("m.room.member", tuple.StateKey)
	}
	return as
}

func toAuthEvent(ev *EventView) *auth.Event {
	return &auth.Event{
		EventID:        ev.EventID,
		RoomID:         ev.RoomID,
		Sender:         ev.Sender,
		Kind:           ev.Kind,
		StateKey:       ev.StateKey,
		Content:        ev.Content,
		PrevEvents:     ev.PrevEvents,
		OriginServerTS: ev.OriginServerTS,
	}
}

// resolveV2 implements §4.1's algorithm for room versions 2+.
func resolveV2(states []StateMap, provider EventProvider) (StateMap, error) {
	unconflicted, conflictedByKey := partition(states)

	conflictedIDs := map[string]struct{}{}
	for _, ids := range conflictedByKey {
		for _, id := range ids {
			conflictedIDs[id] = struct{}{}
		}
	}
	for _, id := range authDifference(states, provider) {
		conflictedIDs[id] = struct{}{}
	}

	var powerEvents, otherEvents []*EventView
	for id := range conflictedIDs {
		ev, ok := provider.Event(id)
		if !ok {
			continue
		}
		if ev.IsPowerEvent() {
			powerEvents = append(powerEvents, ev)
		} else {
			otherEvents = append(otherEvents, ev)
		}
	}

	// Step 4: apply power events in ancestors-first auth order.
	roomVersion := inferRoomVersion(states, provider)
	ordered := topoSortByAuth(powerEvents)
	resolved := applyIteratively(roomVersion, unconflicted, ordered, provider)

	// Step 5: mainline-order the remaining conflicted events and apply.
	mainline := buildMainline(resolved, provider)
	sort.Slice(otherEvents, func(i, j int) bool {
		pi, pj := mainlinePosition(otherEvents[i], mainline, provider), mainlinePosition(otherEvents[j], mainline, provider)
		if pi != pj {
			return pi < pj
		}
		if otherEvents[i].OriginServerTS != otherEvents[j].OriginServerTS {
			return otherEvents[i].OriginServerTS < otherEvents[j].OriginServerTS
		}
		return otherEvents[i].EventID < otherEvents[j].EventID
	})
	resolved = applyIteratively(roomVersion, resolved, otherEvents, provider)

	// Step 6: unconflicted entries always win.
	for k, v := range unconflicted {
		resolved[k] = v
	}
	return resolved, nil
}

func inferRoomVersion(states []StateMap, provider EventProvider) eventutil.RoomVersion {
	for _, s := range states {
		if id, ok := s[eventutil.StateTuple{Type: "m.room.create", StateKey: ""}]; ok {
			if ev, ok := provider.Event(id); ok {
				var cc struct {
					RoomVersion string `json:"room_version"`
				}
				if len(ev.Content) > 0 {
					_ = json.Unmarshal(ev.Content, &cc)
				}
				if cc.RoomVersion != "" {
					return eventutil.RoomVersion(cc.RoomVersion)
				}
			}
		}
	}
	return eventutil.RoomVersionV9
}

// buildMainline follows the chain of power_levels events starting from the
// resolved room state's current power_levels event, each step taken via
// that event's own auth_events, back to the create event (§4.1 step 5).
func buildMainline(resolved StateMap, provider EventProvider) []string {
	var chain []string
	id, ok := resolved[eventutil.StateTuple{Type: "m.room.power_levels", StateKey: ""}]
	for ok {
		chain = append(chain, id)
		ev, found := provider.Event(id)
		if !found {
			break
		}
		id, ok = "", false
		for _, a := range ev.AuthEvents {
			aev, found := provider.Event(a)
			if found && aev.Kind == "m.room.power_levels" {
				id, ok = a, true
				break
			}
		}
	}
	return chain
}

// mainlinePosition returns the mainline index of the first mainline event
// reached by a breadth-first walk of ev's auth_events (ev itself included),
// used as the primary mainline-ordering sort key.
func mainlinePosition(ev *EventView, mainline []string, provider EventProvider) int {
	mainlineIdx := make(map[string]int, len(mainline))
	for i, id := range mainline {
		mainlineIdx[id] = i
	}
	seen := map[string]struct{}{}
	queue := []struct {
		id   string
		hops int
	}{{ev.EventID, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur.id]; ok {
			continue
		}
		seen[cur.id] = struct{}{}
		if idx, ok := mainlineIdx[cur.id]; ok {
			return idx
		}
		curEv, ok := provider.Event(cur.id)
		if !ok {
			continue
		}
		for _, a := range curEv.AuthEvents {
			queue = append(queue, struct {
				id   string
				hops int
			}{a, cur.hops + 1})
		}
	}
	return len(mainline) // unknown: sorts after every known mainline position
}

// resolveV1 implements the simpler algorithm room version 1 rooms were
// created with (§4.1: "a different, simpler algorithm (not required for new
// rooms but must be supported for reads)"). It forgoes the auth-difference
// and mainline-ordering refinements: conflicted entries are resolved by
// applying every conflicted event in one sequence (by depth, then
// origin_server_ts, then event_id), each checked against the accumulated
// state. Power events are not applied ahead of the others.
func resolveV1(states []StateMap, provider EventProvider) (StateMap, error) {
	unconflicted, conflictedByKey := partition(states)

	var allConflicted []*EventView
	seen := map[string]struct{}{}
	for _, ids := range conflictedByKey {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if ev, ok := provider.Event(id); ok {
				allConflicted = append(allConflicted, ev)
			}
		}
	}
	sort.Slice(allConflicted, func(i, j int) bool {
		if allConflicted[i].Depth != allConflicted[j].Depth {
			return allConflicted[i].Depth < allConflicted[j].Depth
		}
		if allConflicted[i].OriginServerTS != allConflicted[j].OriginServerTS {
			return allConflicted[i].OriginServerTS < allConflicted[j].OriginServerTS
		}
		return allConflicted[i].EventID < allConflicted[j].EventID
	})

	resolved := applyIteratively(eventutil.RoomVersionV1, unconflicted, allConflicted, provider)
	for k, v := range unconflicted {
		resolved[k] = v
	}
	return resolved, nil
}
