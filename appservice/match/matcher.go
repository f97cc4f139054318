// Package match implements application-service namespace matching:
// deciding whether a user id, room alias, or room id falls inside a
// registered appservice's claimed namespace, and whether that claim is
// exclusive (§7, grounded on conduwuit's appservice service since the
// teacher carries only the HTTP query side of appservices, not a
// namespace matcher of its own).
package match

import (
	"regexp"

	"github.com/dendrite-core/homeserver/internal/config"
)

// NamespaceRegex compiles one namespace kind (users, aliases, or rooms)
// into exclusive and non-exclusive regex sets, mirroring conduwuit's
// NamespaceRegex split so exclusivity can be checked independently of
// plain membership.
type NamespaceRegex struct {
	exclusive    []*regexp.Regexp
	nonExclusive []*regexp.Regexp
}

func compileNamespaces(namespaces []config.Namespace) (NamespaceRegex, error) {
	var nr NamespaceRegex
	for _, ns := range namespaces {
		re, err := regexp.Compile(ns.Regex)
		if err != nil {
			return NamespaceRegex{}, err
		}
		if ns.Exclusive {
			nr.exclusive = append(nr.exclusive, re)
		} else {
			nr.nonExclusive = append(nr.nonExclusive, re)
		}
	}
	return nr, nil
}

// IsMatch reports whether haystack falls under this namespace at all,
// exclusive or not.
func (nr NamespaceRegex) IsMatch(haystack string) bool {
	if nr.IsExclusiveMatch(haystack) {
		return true
	}
	for _, re := range nr.nonExclusive {
		if re.MatchString(haystack) {
			return true
		}
	}
	return false
}

// IsExclusiveMatch reports whether haystack falls under an exclusive claim
// of this namespace, meaning no other (including a real, non-appservice)
// user may use it.
func (nr NamespaceRegex) IsExclusiveMatch(haystack string) bool {
	for _, re := range nr.exclusive {
		if re.MatchString(haystack) {
			return true
		}
	}
	return false
}

// Registration pairs one appservice's config with its compiled namespace
// matchers, the unit the rest of the homeserver checks user ids, room
// aliases and room ids against (§7).
type Registration struct {
	App     config.Application
	Users   NamespaceRegex
	Aliases NamespaceRegex
	Rooms   NamespaceRegex
}

// NewRegistration compiles app's namespaces once, so every subsequent
// match is a regex scan rather than a recompile.
func NewRegistration(app config.Application) (Registration, error) {
	users, err := compileNamespaces(app.NamespaceUsers)
	if err != nil {
		return Registration{}, err
	}
	aliases, err := compileNamespaces(app.NamespaceAliases)
	if err != nil {
		return Registration{}, err
	}
	rooms, err := compileNamespaces(app.NamespaceRooms)
	if err != nil {
		return Registration{}, err
	}
	return Registration{App: app, Users: users, Aliases: aliases, Rooms: rooms}, nil
}

// IsUserMatch reports whether userID belongs to this appservice, either by
// namespace claim or because it is the appservice's own sender_localpart.
func (r Registration) IsUserMatch(userID string) bool {
	return r.Users.IsMatch(userID) || localpart(userID) == r.App.SenderLocalpart
}

// IsExclusiveUserMatch is IsUserMatch restricted to exclusive claims, used
// to reject a real user registering a localpart an appservice owns
// exclusively.
func (r Registration) IsExclusiveUserMatch(userID string) bool {
	return r.Users.IsExclusiveMatch(userID) || localpart(userID) == r.App.SenderLocalpart
}

func localpart(userID string) string {
	if len(userID) < 2 || userID[0] != '@' {
		return ""
	}
	for i := 1; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[1:i]
		}
	}
	return userID[1:]
}

// Registry holds every configured appservice's compiled Registration,
// queried by the client API to route events and by room creation to reject
// exclusive-namespace collisions.
type Registry struct {
	regs []Registration
}

// NewRegistry compiles every application in apps, failing fast on the
// first invalid namespace regex the way config validation should.
func NewRegistry(apps []config.Application) (*Registry, error) {
	reg := &Registry{}
	for _, app := range apps {
		r, err := NewRegistration(app)
		if err != nil {
			return nil, err
		}
		reg.regs = append(reg.regs, r)
	}
	return reg, nil
}

// All returns every registered appservice's Registration.
func (r *Registry) All() []Registration {
	return r.regs
}

// FindByToken returns the Registration whose as_token matches token, the
// lookup the client API's appservice-authenticated request path uses.
func (r *Registry) FindByToken(token string) (Registration, bool) {
	for _, reg := range r.regs {
		if reg.App.ASToken == token {
			return reg, true
		}
	}
	return Registration{}, false
}

// IsExclusiveUserID reports whether any registered appservice exclusively
// owns userID, the check room creation and registration use to reject a
// real user claiming an appservice's namespace.
func (r *Registry) IsExclusiveUserID(userID string) bool {
	for _, reg := range r.regs {
		if reg.IsExclusiveUserMatch(userID) {
			return true
		}
	}
	return false
}

// IsExclusiveAlias reports whether any registered appservice exclusively
// owns alias.
func (r *Registry) IsExclusiveAlias(alias string) bool {
	for _, reg := range r.regs {
		if reg.Aliases.IsExclusiveMatch(alias) {
			return true
		}
	}
	return false
}

// InterestedInUser returns every registered appservice whose namespace
// matches userID, used to route an incoming event to the appservices that
// need it pushed to their transaction queue.
func (r *Registry) InterestedInUser(userID string) []Registration {
	var out []Registration
	for _, reg := range r.regs {
		if reg.IsUserMatch(userID) {
			out = append(out, reg)
		}
	}
	return out
}

// InterestedInRoom returns every registered appservice whose room or alias
// namespace matches roomID or any of its aliases.
func (r *Registry) InterestedInRoom(roomID string, aliases []string) []Registration {
	var out []Registration
	for _, reg := range r.regs {
		if reg.Rooms.IsMatch(roomID) {
			out = append(out, reg)
			continue
		}
		for _, alias := range aliases {
			if reg.Aliases.IsMatch(alias) {
				out = append(out, reg)
				break
			}
		}
	}
	return out
}
