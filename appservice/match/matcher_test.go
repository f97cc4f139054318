package match_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmatch "github.com/dendrite-core/homeserver/appservice/match"
	"github.com/dendrite-core/homeserver/internal/config"
)

func ircApp() config.Application {
	return config.Application{
		ID:              "irc",
		ASToken:         "as-token",
		HSToken:         "hs-token",
		SenderLocalpart: "ircbot",
		NamespaceUsers:  []config.Namespace{{Exclusive: true, Regex: "^@irc_.*"}},
		NamespaceAliases: []config.Namespace{
			{Exclusive: true, Regex: "^#irc_.*"},
			{Exclusive: false, Regex: "^#public_irc.*"},
		},
	}
}

func TestExclusiveUserMatch(t *testing.T) {
	reg, err := appmatch.NewRegistration(ircApp())
	require.NoError(t, err)

	assert.True(t, reg.IsExclusiveUserMatch("@irc_bob:example.org"))
	assert.False(t, reg.IsExclusiveUserMatch("@alice:example.org"))
	assert.True(t, reg.IsUserMatch("@ircbot:example.org"))
}

func TestNonExclusiveAliasMatchesButNotExclusively(t *testing.T) {
	reg, err := appmatch.NewRegistration(ircApp())
	require.NoError(t, err)

	assert.True(t, reg.Aliases.IsMatch("#public_irc_freenode:example.org"))
	assert.False(t, reg.Aliases.IsExclusiveMatch("#public_irc_freenode:example.org"))
	assert.True(t, reg.Aliases.IsExclusiveMatch("#irc_freenode:example.org"))
}

func TestRegistryFindByToken(t *testing.T) {
	registry, err := appmatch.NewRegistry([]config.Application{ircApp()})
	require.NoError(t, err)

	reg, ok := registry.FindByToken("as-token")
	require.True(t, ok)
	assert.Equal(t, "irc", reg.App.ID)

	_, ok = registry.FindByToken("wrong-token")
	assert.False(t, ok)
}

func TestRegistryIsExclusiveUserID(t *testing.T) {
	registry, err := appmatch.NewRegistry([]config.Application{ircApp()})
	require.NoError(t, err)

	assert.True(t, registry.IsExclusiveUserID("@irc_bob:example.org"))
	assert.False(t, registry.IsExclusiveUserID("@alice:example.org"))
}

func TestInterestedInUserAndRoom(t *testing.T) {
	registry, err := appmatch.NewRegistry([]config.Application{ircApp()})
	require.NoError(t, err)

	interested := registry.InterestedInUser("@irc_bob:example.org")
	require.Len(t, interested, 1)
	assert.Equal(t, "irc", interested[0].App.ID)

	assert.Empty(t, registry.InterestedInUser("@alice:example.org"))

	interested = registry.InterestedInRoom("!notmatched:example.org", []string{"#irc_freenode:example.org"})
	require.Len(t, interested, 1)
}
