// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the guildgate configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/guildgate/pkg/access"
	"github.com/stacklok/guildgate/pkg/authz"
	"github.com/stacklok/guildgate/pkg/storage"
	"github.com/stacklok/guildgate/pkg/telemetry"
	"github.com/stacklok/guildgate/pkg/upstream"
)

// Environment variables that override secrets from the file.
const (
	EnvDiscordClientSecret = "GUILDGATE_DISCORD_CLIENT_SECRET"
	EnvDiscordBotToken     = "GUILDGATE_DISCORD_BOT_TOKEN"
	EnvRedisPassword       = "GUILDGATE_REDIS_PASSWORD"
)

// Server defaults.
const (
	DefaultAddress           = ":8080"
	DefaultCallbackPath      = "/auth/discord"
	DefaultPostLoginRedirect = "/"
	DefaultCookieName        = "guildgate_session"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
)

const (
	errFileRead    = "failed to read configuration file: %w"
	errInvalidYAML = "invalid YAML configuration: %w"
)

// Config is the guildgate configuration file.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Discord   DiscordConfig    `yaml:"discord"`
	Access    AccessConfig     `yaml:"access"`
	Storage   storage.Config   `yaml:"storage"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Address is the listen address.
	Address string `yaml:"address"`
	// PublicURL is the externally visible origin, used to build the callback URL.
	PublicURL string `yaml:"publicURL"`
	// CallbackPath is the path the provider redirects back to.
	CallbackPath string `yaml:"callbackPath"`
	// PostLoginRedirect is where users land after a successful login.
	PostLoginRedirect string `yaml:"postLoginRedirect"`
	// CookieName names the session cookie.
	CookieName string `yaml:"cookieName"`
	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool `yaml:"cookieSecure"`
	// CABundle is a PEM file trusted for outbound provider calls.
	CABundle string `yaml:"caBundle"`

	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// DiscordConfig configures the Discord application.
type DiscordConfig struct {
	ClientID          string   `yaml:"clientID"`
	ClientSecret      string   `yaml:"clientSecret"`
	BotToken          string   `yaml:"botToken"`
	APIBaseURL        string   `yaml:"apiBaseURL"`
	Scopes            []string `yaml:"scopes"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
}

// AccessConfig holds the access rules and the check tuning.
type AccessConfig struct {
	RequiredGuilds    []string `yaml:"requiredGuilds"`
	BlacklistedGuilds []string `yaml:"blacklistedGuilds"`
	RequiredRoles     []string `yaml:"requiredRoles"`
	BlacklistedRoles  []string `yaml:"blacklistedRoles"`
	AccessTiers       []string `yaml:"accessTiers"`

	NoPermissionRedirect string `yaml:"noPermissionRedirect"`
	LoginRedirect        string `yaml:"loginRedirect"`

	VerdictTTL           time.Duration `yaml:"verdictTTL"`
	MaxCheckDuration     time.Duration `yaml:"maxCheckDuration"`
	MaxAttempts          int           `yaml:"maxAttempts"`
	RoleFetchConcurrency int           `yaml:"roleFetchConcurrency"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           DefaultAddress,
			CallbackPath:      DefaultCallbackPath,
			PostLoginRedirect: DefaultPostLoginRedirect,
			CookieName:        DefaultCookieName,
			CookieSecure:      true,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ShutdownTimeout:   DefaultShutdownTimeout,
		},
		Discord: DiscordConfig{
			APIBaseURL:        upstream.DefaultDiscordAPIBaseURL,
			Scopes:            append([]string(nil), upstream.DefaultDiscordScopes...),
			RequestsPerSecond: upstream.DefaultRequestsPerSecond,
		},
		Access: AccessConfig{
			LoginRedirect:        access.DefaultLoginRedirect,
			VerdictTTL:           access.DefaultVerdictTTL,
			MaxCheckDuration:     access.DefaultMaxCheckDuration,
			MaxAttempts:          access.DefaultMaxAttempts,
			RoleFetchConcurrency: access.DefaultRoleFetchConcurrency,
		},
		Storage:   storage.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads, overrides from the process environment and validates the file at path.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, &env.OSReader{})
}

// LoadWithEnv is Load with an injected environment reader.
func LoadWithEnv(path string, envReader env.Reader) (*Config, error) {
	// #nosec G304: the path is chosen by the operator
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf(errFileRead, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(envReader)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf(errInvalidYAML, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(envReader env.Reader) {
	if v := envReader.Getenv(EnvDiscordClientSecret); v != "" {
		c.Discord.ClientSecret = v
	}
	if v := envReader.Getenv(EnvDiscordBotToken); v != "" {
		c.Discord.BotToken = v
	}
	if v := envReader.Getenv(EnvRedisPassword); v != "" {
		c.Storage.Redis.Password = v
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if err := validatePublicURL(c.Server.PublicURL); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.Server.CallbackPath, "/") {
		errs = append(errs, fmt.Errorf("server.callbackPath must start with /, got %q", c.Server.CallbackPath))
	}
	if c.Server.CookieName == "" {
		errs = append(errs, errors.New("server.cookieName is required"))
	}

	if err := c.DiscordProviderConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("discord: %w", err))
	}

	if c.Access.VerdictTTL < 0 || c.Access.MaxCheckDuration < 0 {
		errs = append(errs, errors.New("access durations must not be negative"))
	}
	if c.Access.MaxAttempts < 0 || c.Access.RoleFetchConcurrency < 0 {
		errs = append(errs, errors.New("access limits must not be negative"))
	}
	if _, err := c.Rules(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func validatePublicURL(raw string) error {
	if raw == "" {
		return errors.New("server.publicURL is required")
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid server.publicURL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.publicURL must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

// Rules compiles the access rules.
func (c *Config) Rules() (*authz.Rules, error) {
	return authz.Compile(authz.RuleSpec{
		RequiredGroups:    c.Access.RequiredGuilds,
		BlacklistedGroups: c.Access.BlacklistedGuilds,
		RequiredRoles:     c.Access.RequiredRoles,
		BlacklistedRoles:  c.Access.BlacklistedRoles,
		AccessTiers:       c.Access.AccessTiers,
	})
}

// RedirectURL is the absolute callback URL registered with Discord.
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.Server.PublicURL, "/") + c.Server.CallbackPath
}

// DiscordProviderConfig returns the provider settings.
func (c *Config) DiscordProviderConfig() *upstream.DiscordConfig {
	return &upstream.DiscordConfig{
		ClientID:          c.Discord.ClientID,
		ClientSecret:      c.Discord.ClientSecret,
		BotToken:          c.Discord.BotToken,
		RedirectURL:       c.RedirectURL(),
		APIBaseURL:        c.Discord.APIBaseURL,
		Scopes:            c.Discord.Scopes,
		RequestsPerSecond: c.Discord.RequestsPerSecond,
	}
}

// CheckerConfig returns the access check settings.
func (c *Config) CheckerConfig() access.Config {
	return access.Config{
		VerdictTTL:           c.Access.VerdictTTL,
		MaxCheckDuration:     c.Access.MaxCheckDuration,
		MaxAttempts:          c.Access.MaxAttempts,
		RoleFetchConcurrency: c.Access.RoleFetchConcurrency,
		LoginRedirect:        c.Access.LoginRedirect,
		NoPermissionRedirect: c.Access.NoPermissionRedirect,
	}
}
