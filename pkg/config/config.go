// Copyright © 2025 Basic Machines
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-provided configuration surface. All knobs are
// MEMORYGUARD_* variables; list values are semicolon-separated.
type Config struct {
	// Issuer is the expected iss claim value, compared by exact string
	// equality. Providers like Stytch use bare authority-style issuers
	// (e.g. "stytch.com/project-id"), so this is deliberately an opaque
	// string and never validated as a URL.
	Issuer string `env:"MEMORYGUARD_ISSUER,required"`

	// Audience is the expected aud claim value.
	Audience string `env:"MEMORYGUARD_AUDIENCE,required"`

	// JWKSURI is the provider's key set endpoint.
	JWKSURI string `env:"MEMORYGUARD_JWKS_URI,required"`

	// RequiredScopes must all be present in every accepted token. Leaving
	// it empty disables scope enforcement while keeping authentication.
	RequiredScopes []string `env:"MEMORYGUARD_REQUIRED_SCOPES"`

	// AuthServerURL is the external authorization server that hosts
	// login, consent, token issuance and client registration.
	AuthServerURL string `env:"MEMORYGUARD_AUTH_SERVER_URL,required"`

	// ServerURL is this service's canonical URL, asserted as the resource
	// identity in OAuth metadata.
	ServerURL string `env:"MEMORYGUARD_SERVER_URL,required"`

	// BackendURL, when set, is the protected application the serve
	// command fronts with a reverse proxy mounted behind bearer auth.
	BackendURL string `env:"MEMORYGUARD_BACKEND_URL"`

	// ScopesSupported is advertised in the protected-resource metadata.
	ScopesSupported []string `env:"MEMORYGUARD_SCOPES_SUPPORTED,default=basic_memory:read;basic_memory:write"`

	ClockSkew    time.Duration `env:"MEMORYGUARD_CLOCK_SKEW,default=60s"`
	JWKSCacheTTL time.Duration `env:"MEMORYGUARD_JWKS_CACHE_TTL,default=15m"`
	ListenAddr   string        `env:"MEMORYGUARD_LISTEN_ADDR,default=:8000"`
}

// FromEnv decodes and validates configuration from the environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks URL-valued fields and normalizes trailing slashes. The
// issuer is exempt: it is an opaque match string, not a URL.
func (c *Config) Validate() error {
	for name, value := range map[string]*string{
		"MEMORYGUARD_AUTH_SERVER_URL": &c.AuthServerURL,
		"MEMORYGUARD_SERVER_URL":      &c.ServerURL,
		"MEMORYGUARD_JWKS_URI":        &c.JWKSURI,
	} {
		u, err := url.Parse(*value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, *value)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https, got %q", name, *value)
		}
		*value = strings.TrimRight(*value, "/")
	}

	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("MEMORYGUARD_BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
		}
	}

	if c.ClockSkew < 0 {
		return fmt.Errorf("MEMORYGUARD_CLOCK_SKEW must not be negative")
	}
	if c.JWKSCacheTTL <= 0 {
		return fmt.Errorf("MEMORYGUARD_JWKS_CACHE_TTL must be positive")
	}

	return nil
}
