// Package config loads and validates the homeserver's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultOpts are passed to every sub-config's Defaults method so that
// defaults can vary between a single-process monolith and a polylith
// deployment, mirroring the teacher's setup/config package.
type DefaultOpts struct {
	Generate  bool
	SingleDatabase bool
}

// ConfigErrors accumulates human readable validation failures so that a
// misconfigured server reports every problem at once instead of failing
// fast on the first one.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	out := "configuration errors:\n"
	for _, m := range e {
		out += "  - " + m + "\n"
	}
	return out
}

// Global holds settings shared by every component.
type Global struct {
	ServerName      string        `yaml:"server_name"`
	PrivateKeyPath  string        `yaml:"private_key_path"`
	KeyID           string        `yaml:"key_id"`
	KeyValidityHours int          `yaml:"key_validity_hours"`
	TrustedNotaries []string      `yaml:"trusted_notaries"`
	DatabasePath    string        `yaml:"database_path"`
	MaxFetchPrevEvents int        `yaml:"max_fetch_prev_events"`
}

// RoomServer configures the event pipeline.
type RoomServer struct {
	Matrix *Global `yaml:"-"`
}

// FederationAPI configures the server-server transport and outbound queue.
type FederationAPI struct {
	Matrix            *Global       `yaml:"-"`
	DisableTLSValidation bool       `yaml:"disable_tls_validation"`
	SendMaxRetries    int           `yaml:"send_max_retries"`
	SendMinBackoff    time.Duration `yaml:"send_min_backoff"`
	SendMaxBackoff    time.Duration `yaml:"send_max_backoff"`
	AllowNetworkCIDRs []string      `yaml:"allow_network_cidrs"`
	DenyNetworkCIDRs  []string      `yaml:"deny_network_cidrs"`
}

// SyncAPI configures the /sync long-poll engine.
type SyncAPI struct {
	Matrix             *Global       `yaml:"-"`
	RealIPHeader       string        `yaml:"real_ip_header"`
	DefaultTimelineLimit int         `yaml:"default_timeline_limit"`
	MaxSyncTimeout     time.Duration `yaml:"max_sync_timeout"`
}

// ClientAPI configures the client-facing REST surface, following the shape
// of the teacher's setup/config/config_clientapi.go.
type ClientAPI struct {
	Matrix               *Global      `yaml:"-"`
	RegistrationDisabled bool         `yaml:"registration_disabled"`
	RegistrationSharedSecret string   `yaml:"registration_shared_secret"`
	GuestsDisabled       bool         `yaml:"guests_disabled"`
	RateLimiting         RateLimiting `yaml:"rate_limiting"`
}

type RateLimiting struct {
	Enabled              bool              `yaml:"enabled"`
	Threshold            int64             `yaml:"threshold"`
	CooloffMS            int64             `yaml:"cooloff_ms"`
	ExemptUserIDs        []string          `yaml:"exempt_user_ids"`
	ExemptIPAddresses    []string          `yaml:"exempt_ip_addresses"`
	PerEndpointOverrides map[string]RateLimitOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

// AppServiceAPI configures the namespace matcher.
type AppServiceAPI struct {
	Matrix       *Global        `yaml:"-"`
	ConfigFiles  []string       `yaml:"config_files"`
	Derived      []Application  `yaml:"-"`
}

// Application is a single registered application service.
type Application struct {
	ID              string   `yaml:"id"`
	URL             string   `yaml:"url"`
	ASToken         string   `yaml:"as_token"`
	HSToken         string   `yaml:"hs_token"`
	SenderLocalpart string   `yaml:"sender_localpart"`
	NamespaceUsers      []Namespace `yaml:"-"`
	NamespaceAliases    []Namespace `yaml:"-"`
	NamespaceRooms      []Namespace `yaml:"-"`
}

type Namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// Pusher configures push-gateway delivery.
type Pusher struct {
	Matrix        *Global       `yaml:"-"`
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`
}

// Dendrite is the top-level configuration document, matching the teacher's
// monolithic config struct that embeds one sub-config per component.
type Dendrite struct {
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
	ClientAPI     ClientAPI     `yaml:"client_api"`
	AppServiceAPI AppServiceAPI `yaml:"app_service_api"`
	Pusher        Pusher        `yaml:"pusher"`
}

// Defaults fills in every field a config file omits.
func (c *Dendrite) Defaults(opts DefaultOpts) {
	c.Version = 1
	c.Global.MaxFetchPrevEvents = 100
	c.Global.KeyValidityHours = 7 * 24
	c.Global.DatabasePath = "./homeserver.db"
	c.Global.PrivateKeyPath = "./homeserver.key"
	c.Global.KeyID = "ed25519:auto"
	c.FederationAPI.SendMaxRetries = 16
	c.FederationAPI.SendMinBackoff = time.Second
	c.FederationAPI.SendMaxBackoff = time.Hour
	c.SyncAPI.DefaultTimelineLimit = 10
	c.SyncAPI.MaxSyncTimeout = 30 * time.Second
	c.ClientAPI.RegistrationDisabled = true
	c.ClientAPI.RateLimiting.Enabled = true
	c.ClientAPI.RateLimiting.Threshold = 5
	c.ClientAPI.RateLimiting.CooloffMS = 500
	c.Pusher.GatewayTimeout = 10 * time.Second

	c.RoomServer.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
	c.ClientAPI.Matrix = &c.Global
	c.AppServiceAPI.Matrix = &c.Global
	c.Pusher.Matrix = &c.Global
}

// Verify checks the loaded config for inconsistencies, appending every
// problem found rather than stopping at the first.
func (c *Dendrite) Verify(configErrs *ConfigErrors) {
	if c.Global.ServerName == "" {
		configErrs.Add("global.server_name must not be empty")
	}
	if c.Global.MaxFetchPrevEvents <= 0 {
		configErrs.Add("global.max_fetch_prev_events must be positive")
	}
	if c.SyncAPI.MaxSyncTimeout > 30*time.Second {
		configErrs.Add("sync_api.max_sync_timeout must not exceed 30s per the federation/client contract")
	}
}

// Load reads, defaults, and verifies a configuration document from path,
// then loads every application service registration named in
// app_service_api.config_files into AppServiceAPI.Derived.
func Load(path string) (*Dendrite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Dendrite
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	// Re-link Matrix pointers: yaml.Unmarshal overwrote the embedded struct
	// values, not the Global struct itself, so the pointers set in Defaults
	// still point at the correct (now-populated) c.Global.
	apps, err := loadApplications(c.AppServiceAPI.ConfigFiles)
	if err != nil {
		return nil, err
	}
	c.AppServiceAPI.Derived = apps

	var errs ConfigErrors
	c.Verify(&errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return &c, nil
}

// appServiceNamespace is the on-disk shape of a single namespace entry in an
// application service registration file, matching the Matrix appservice
// registration YAML format (regex + exclusive).
type appServiceNamespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// appServiceFile is the on-disk shape of one application service
// registration document, one file per service, as referenced by
// app_service_api.config_files.
type appServiceFile struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	SenderLocalpart string `yaml:"sender_localpart"`
	Namespaces      struct {
		Users   []appServiceNamespace `yaml:"users"`
		Aliases []appServiceNamespace `yaml:"aliases"`
		Rooms   []appServiceNamespace `yaml:"rooms"`
	} `yaml:"namespaces"`
}

func loadApplications(paths []string) ([]Application, error) {
	apps := make([]Application, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading appservice registration %s: %w", path, err)
		}
		var f appServiceFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parsing appservice registration %s: %w", path, err)
		}
		apps = append(apps, Application{
			ID:                f.ID,
			URL:               f.URL,
			ASToken:           f.ASToken,
			HSToken:           f.HSToken,
			SenderLocalpart:   f.SenderLocalpart,
			NamespaceUsers:    toNamespaces(f.Namespaces.Users),
			NamespaceAliases:  toNamespaces(f.Namespaces.Aliases),
			NamespaceRooms:    toNamespaces(f.Namespaces.Rooms),
		})
	}
	return apps, nil
}

func toNamespaces(in []appServiceNamespace) []Namespace {
	out := make([]Namespace, len(in))
	for i, ns := range in {
		out[i] = Namespace{Exclusive: ns.Exclusive, Regex: ns.Regex}
	}
	return out
}
