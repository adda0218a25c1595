// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"

	"github.com/relaymesh/relay/pkg/observability"
)

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// TLS configuration.
	TLS *TLSConfig `yaml:"tls,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty"`

	// Auth configures JWT-based authentication.
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// Sessions configures the session store for conversation persistence.
	Sessions *SessionsConfig `yaml:"sessions,omitempty"`

	// Registry configures the node registry's durable backend.
	Registry *RegistryConfig `yaml:"registry,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// StorageBackend identifies a storage backend type.
type StorageBackend string

const (
	// StorageBackendInMemory uses in-memory storage (default).
	StorageBackendInMemory StorageBackend = "inmemory"

	// StorageBackendSQL uses SQL database for persistence.
	StorageBackendSQL StorageBackend = "sql"
)

// SessionsConfig configures session storage.
type SessionsConfig struct {
	// Backend specifies the storage backend: "inmemory" (default) or "sql".
	Backend StorageBackend `yaml:"backend,omitempty"`

	// Database is a reference to a database defined in the databases section.
	// Required when Backend is "sql".
	Database string `yaml:"database,omitempty"`

	// TTL is how long an idle session stays resident before eviction.
	// Only meaningful for the in-memory backend.
	TTL string `yaml:"ttl,omitempty"`
}

// SetDefaults applies default values for SessionsConfig.
func (c *SessionsConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageBackendInMemory
	}
	if c.TTL == "" {
		c.TTL = "30m"
	}
}

// Validate checks the sessions configuration.
func (c *SessionsConfig) Validate() error {
	if c.Backend != "" && c.Backend != StorageBackendInMemory && c.Backend != StorageBackendSQL {
		return fmt.Errorf("invalid backend %q (valid: inmemory, sql)", c.Backend)
	}
	if c.Backend == StorageBackendSQL && c.Database == "" {
		return fmt.Errorf("database reference is required when backend is sql")
	}
	if c.Database != "" && c.Backend != StorageBackendSQL {
		return fmt.Errorf("database reference requires backend to be sql")
	}
	return nil
}

// IsInMemory returns true if using in-memory session storage.
func (c *SessionsConfig) IsInMemory() bool {
	return c == nil || c.Backend == "" || c.Backend == StorageBackendInMemory
}

// IsSQL returns true if using SQL session storage.
func (c *SessionsConfig) IsSQL() bool {
	return c != nil && c.Backend == StorageBackendSQL
}

// RegistryConfig configures the node registry's durable backend, mirroring
// SessionsConfig's backend/database split.
type RegistryConfig struct {
	Backend  StorageBackend `yaml:"backend,omitempty"`
	Database string         `yaml:"database,omitempty"`
}

// SetDefaults applies default values for RegistryConfig.
func (c *RegistryConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageBackendInMemory
	}
}

// Validate checks the registry configuration.
func (c *RegistryConfig) Validate() error {
	if c.Backend != "" && c.Backend != StorageBackendInMemory && c.Backend != StorageBackendSQL {
		return fmt.Errorf("invalid backend %q (valid: inmemory, sql)", c.Backend)
	}
	if c.Backend == StorageBackendSQL && c.Database == "" {
		return fmt.Errorf("database reference is required when backend is sql")
	}
	return nil
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// CORSConfig configures CORS.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins,omitempty"`
	AllowedMethods   []string `yaml:"allowed_methods,omitempty"`
	AllowedHeaders   []string `yaml:"allowed_headers,omitempty"`
	AllowCredentials *bool    `yaml:"allow_credentials,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 8080
	}

	if c.CORS == nil {
		c.CORS = &CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}
	}

	if c.Auth != nil {
		c.Auth.SetDefaults()
	}

	if c.Sessions == nil {
		c.Sessions = &SessionsConfig{}
	}
	c.Sessions.SetDefaults()

	if c.Registry == nil {
		c.Registry = &RegistryConfig{}
	}
	c.Registry.SetDefaults()

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.TLS != nil && BoolValue(c.TLS.Enabled, false) {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires cert_file and key_file")
		}
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if c.Sessions != nil {
		if err := c.Sessions.Validate(); err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
	}

	if c.Registry != nil {
		if err := c.Registry.Validate(); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}

	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}

	return nil
}

// DefaultDatabaseConfig returns a DatabaseConfig with sane defaults for the
// given driver. Used for zero-config mode where users just name a backend.
func DefaultDatabaseConfig(driver string) *DatabaseConfig {
	cfg := &DatabaseConfig{
		Driver:   driver,
		MaxConns: 25,
		MaxIdle:  5,
	}

	switch driver {
	case "sqlite", "sqlite3":
		cfg.Driver = "sqlite"
		cfg.Database = "./.relay/relay.db"
	case "postgres":
		cfg.Host = "localhost"
		cfg.Port = 5432
		cfg.Database = "relay"
		cfg.SSLMode = "disable"
	case "mysql":
		cfg.Host = "localhost"
		cfg.Port = 3306
		cfg.Database = "relay"
	}

	return cfg
}

// Address returns the HTTP server address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
