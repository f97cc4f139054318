package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPopulatesAppServiceDerivedFromRegistrationFiles(t *testing.T) {
	dir := t.TempDir()

	asPath := filepath.Join(dir, "irc-bridge.yaml")
	asYAML := `
id: irc-bridge
url: http://localhost:9000
as_token: as-secret
hs_token: hs-secret
sender_localpart: ircbot
namespaces:
  users:
    - regex: "@irc_.*"
      exclusive: true
  aliases:
    - regex: "#irc_.*"
      exclusive: false
`
	require.NoError(t, os.WriteFile(asPath, []byte(asYAML), 0o600))

	cfgPath := filepath.Join(dir, "homeserver.yaml")
	cfgYAML := "global:\n  server_name: example.org\napp_service_api:\n  config_files:\n    - " + asPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.AppServiceAPI.Derived, 1)

	app := cfg.AppServiceAPI.Derived[0]
	assert.Equal(t, "irc-bridge", app.ID)
	assert.Equal(t, "ircbot", app.SenderLocalpart)
	require.Len(t, app.NamespaceUsers, 1)
	assert.True(t, app.NamespaceUsers[0].Exclusive)
	assert.Equal(t, "@irc_.*", app.NamespaceUsers[0].Regex)
	require.Len(t, app.NamespaceAliases, 1)
	assert.False(t, app.NamespaceAliases[0].Exclusive)
}

func TestLoadFailsOnMissingAppServiceRegistrationFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "homeserver.yaml")
	cfgYAML := "global:\n  server_name: example.org\napp_service_api:\n  config_files:\n    - " + filepath.Join(dir, "missing.yaml") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	_, err := Load(cfgPath)
	assert.Error(t, err)
}
