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

// Package config provides configuration loading and management for Relay.
//
// Relay is config-first: the node's own identity, its known peers, its
// local tools and collectors, and the databases/LLMs/vector stores it can
// reach are all declared in YAML and the runtime wires them automatically.
//
// Example config:
//
//	version: "1"
//	node:
//	  slug: eu-billing
//	  collections: [billing, invoices]
//
//	llms:
//	  default:
//	    provider: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
//
//	federation:
//	  peers:
//	    - slug: us-billing
//	      url: https://us-billing.internal:8443
//
//	server:
//	  port: 8080
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure.
type Config struct {
	// Version of the config schema (e.g., "1").
	Version string `yaml:"version,omitempty"`

	// Node describes this node's own identity within the federation.
	Node NodeIdentityConfig `yaml:"node,omitempty"`

	// Federation declares the peer nodes reachable from this node.
	Federation *FederationConfig `yaml:"federation,omitempty"`

	// Databases defines available SQL database connections, referenced by
	// session/registry storage backends.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty"`

	// VectorStores defines available vector database providers used by
	// the RAG searcher.
	VectorStores map[string]*VectorStoreConfig `yaml:"vector_stores,omitempty"`

	// LLMs defines available LLM providers for routing and collection.
	LLMs map[string]*LLMConfig `yaml:"llms,omitempty"`

	// Embedders defines available embedding providers for semantic search.
	Embedders map[string]*EmbedderConfig `yaml:"embedders,omitempty"`

	// Tools defines locally-registered tools, MCP servers, and plugins.
	Tools map[string]*ToolConfig `yaml:"tools,omitempty"`

	// Collectors defines the multi-turn field-collection flows this node
	// can run.
	Collectors map[string]*CollectorConfig `yaml:"collectors,omitempty"`

	// Server configures the inbound HTTP surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Logger configures logging behavior.
	Logger *LoggerConfig `yaml:"logger,omitempty"`

	// RateLimiting configures request rate limiting.
	RateLimiting *RateLimitConfig `yaml:"rate_limiting,omitempty"`

	// Breaker configures the outbound circuit breaker.
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`

	// ConnectionPool configures the pooled outbound transport client.
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool,omitempty"`

	// Routing configures the decision engine's fast paths and digest
	// truncation budget.
	Routing *RoutingConfig `yaml:"routing,omitempty"`

	// Discovery configures where local collector/tool declarations are
	// loaded from, and the remote-catalog cache TTL.
	Discovery *DiscoveryConfig `yaml:"discovery,omitempty"`

	// Defaults provides default values shared across components.
	Defaults *DefaultsConfig `yaml:"defaults,omitempty"`
}

// NodeIdentityConfig describes this node's own identity.
type NodeIdentityConfig struct {
	// Slug is this node's unique identifier within the federation.
	Slug string `yaml:"slug"`

	// Collections lists the data collections this node serves (used by
	// findForCollection routing).
	Collections []string `yaml:"collections,omitempty"`

	// Role is "master" or "child".
	Role string `yaml:"role,omitempty"`
}

// FederationConfig declares the peer nodes reachable from this node.
type FederationConfig struct {
	// Peers are statically-declared peer nodes.
	Peers []PeerConfig `yaml:"peers,omitempty"`

	// HealthCheckInterval is how often peer health is sampled.
	HealthCheckInterval string `yaml:"health_check_interval,omitempty"`

	// Backend selects the node registry's storage strategy: "memory"
	// (default) or "consul".
	Backend string `yaml:"backend,omitempty"`

	// ConsulAddress is used when Backend is "consul".
	ConsulAddress string `yaml:"consul_address,omitempty"`
}

// PeerConfig declares a single federation peer.
type PeerConfig struct {
	Slug        string             `yaml:"slug"`
	URL         string             `yaml:"url"`
	Collections []string           `yaml:"collections,omitempty"`
	Credentials *CredentialsConfig `yaml:"credentials,omitempty"`
}

// PeersOrEmpty returns the declared peers, tolerating a nil receiver.
func (c *FederationConfig) PeersOrEmpty() []PeerConfig {
	if c == nil {
		return nil
	}
	return c.Peers
}

// SetDefaults applies defaults to FederationConfig.
func (c *FederationConfig) SetDefaults() {
	if c.HealthCheckInterval == "" {
		c.HealthCheckInterval = "30s"
	}
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

// Validate checks FederationConfig for errors.
func (c *FederationConfig) Validate() error {
	if c.Backend != "" && c.Backend != "memory" && c.Backend != "consul" {
		return fmt.Errorf("invalid federation.backend %q (valid: memory, consul)", c.Backend)
	}
	if c.Backend == "consul" && c.ConsulAddress == "" {
		return fmt.Errorf("federation.consul_address is required when backend is consul")
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Slug == "" {
			return fmt.Errorf("federation.peers[%d].slug is required", i)
		}
		if p.URL == "" {
			return fmt.Errorf("federation.peers[%d].url is required", i)
		}
		if seen[p.Slug] {
			return fmt.Errorf("federation.peers[%d]: duplicate slug %q", i, p.Slug)
		}
		seen[p.Slug] = true
		if p.Credentials != nil {
			if err := p.Credentials.Validate(); err != nil {
				return fmt.Errorf("federation.peers[%d].credentials: %w", i, err)
			}
		}
	}
	return nil
}

// BreakerConfig configures the outbound circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips a node
	// to "open".
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// SuccessThreshold is the consecutive-success count in "half-open"
	// required to close the breaker again.
	SuccessThreshold int `yaml:"success_threshold,omitempty"`

	// OpenTimeout is how long a breaker stays "open" before probing again.
	OpenTimeout string `yaml:"open_timeout,omitempty"`
}

// SetDefaults applies defaults to BreakerConfig.
func (c *BreakerConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.OpenTimeout == "" {
		c.OpenTimeout = "30s"
	}
}

// Validate checks BreakerConfig for errors.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be positive")
	}
	return nil
}

// ConnectionPoolConfig configures the pooled outbound transport client.
type ConnectionPoolConfig struct {
	// MaxPerNode caps pooled connections per (node, credential) key.
	MaxPerNode int `yaml:"max_per_node,omitempty"`

	// TTL is how long an idle pooled client is kept before eviction.
	TTL string `yaml:"ttl,omitempty"`
}

// SetDefaults applies defaults to ConnectionPoolConfig.
func (c *ConnectionPoolConfig) SetDefaults() {
	if c.MaxPerNode == 0 {
		c.MaxPerNode = 8
	}
	if c.TTL == "" {
		c.TTL = "5m"
	}
}

// RoutingConfig configures the decision engine.
type RoutingConfig struct {
	// DigestTokenBudget bounds the routing digest assembled for the LLM
	// orchestration call.
	DigestTokenBudget int `yaml:"digest_token_budget,omitempty"`

	// MaxStepExecutions caps the per-(workflow,step) loop counter in the
	// collector engine.
	MaxStepExecutions int `yaml:"max_step_executions,omitempty"`
}

// SetDefaults applies defaults to RoutingConfig.
func (c *RoutingConfig) SetDefaults() {
	if c.DigestTokenBudget == 0 {
		c.DigestTokenBudget = 2000
	}
	if c.MaxStepExecutions == 0 {
		c.MaxStepExecutions = 20
	}
}

// DiscoveryConfig configures local declaration loading and the remote
// capability cache.
type DiscoveryConfig struct {
	// CollectorPaths are directories of YAML collector declarations,
	// watched for changes.
	CollectorPaths []string `yaml:"collector_paths,omitempty"`

	// ToolPaths are directories of tool declaration files.
	ToolPaths []string `yaml:"tool_paths,omitempty"`

	// CacheTTL is how long remote capability catalogs are cached.
	CacheTTL string `yaml:"cache_ttl,omitempty"`
}

// SetDefaults applies defaults to DiscoveryConfig.
func (c *DiscoveryConfig) SetDefaults() {
	if c.CacheTTL == "" {
		c.CacheTTL = "5m"
	}
}

// CollectorConfig declares a multi-turn field-collection flow.
type CollectorConfig struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Fields      []CollectorFieldSpec `yaml:"fields"`
	LLM         string               `yaml:"llm,omitempty"`
}

// CollectorFieldSpec declares a single field a collector gathers.
type CollectorFieldSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"` // scalar, array_of_object
	Required bool   `yaml:"required,omitempty"`
}

// Validate checks CollectorConfig for errors.
func (c *CollectorConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("at least one field is required")
	}
	for i, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("fields[%d].name is required", i)
		}
	}
	return nil
}

// SetDefaults applies defaults to CollectorConfig.
func (c *CollectorConfig) SetDefaults() {
	for i := range c.Fields {
		if c.Fields[i].Type == "" {
			c.Fields[i].Type = "scalar"
		}
	}
}

// DefaultsConfig provides default values shared across components.
type DefaultsConfig struct {
	// LLM is the default LLM reference for routing/collection.
	LLM string `yaml:"llm,omitempty"`
}

// SetDefaults applies default values to the config.
func (c *Config) SetDefaults() {
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	if c.VectorStores == nil {
		c.VectorStores = make(map[string]*VectorStoreConfig)
	}
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]*EmbedderConfig)
	}
	if c.Tools == nil {
		c.Tools = make(map[string]*ToolConfig)
	}
	if c.Collectors == nil {
		c.Collectors = make(map[string]*CollectorConfig)
	}

	for _, db := range c.Databases {
		db.SetDefaults()
	}
	for _, vs := range c.VectorStores {
		vs.SetDefaults()
	}
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	for _, tool := range c.Tools {
		tool.SetDefaults()
	}
	for _, col := range c.Collectors {
		col.SetDefaults()
	}

	if c.Federation != nil {
		c.Federation.SetDefaults()
	}
	if c.Breaker == nil {
		c.Breaker = &BreakerConfig{}
	}
	c.Breaker.SetDefaults()

	if c.ConnectionPool == nil {
		c.ConnectionPool = &ConnectionPoolConfig{}
	}
	c.ConnectionPool.SetDefaults()

	if c.Routing == nil {
		c.Routing = &RoutingConfig{}
	}
	c.Routing.SetDefaults()

	if c.Discovery == nil {
		c.Discovery = &DiscoveryConfig{}
	}
	c.Discovery.SetDefaults()

	if c.Logger == nil {
		c.Logger = &LoggerConfig{}
	}
	c.Logger.SetDefaults()

	if c.RateLimiting != nil {
		c.RateLimiting.SetDefaults()
	}

	c.Server.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.Slug == "" {
		errs = append(errs, "node.slug is required")
	}

	for name, db := range c.Databases {
		if db == nil {
			continue
		}
		if err := db.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("database %q: %v", name, err))
		}
	}

	for name, vs := range c.VectorStores {
		if vs == nil {
			continue
		}
		if err := vs.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("vector_store %q: %v", name, err))
		}
	}

	for name, llm := range c.LLMs {
		if llm == nil {
			continue
		}
		if err := llm.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("llm %q: %v", name, err))
		}
	}

	for name, tool := range c.Tools {
		if tool == nil {
			continue
		}
		if err := tool.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("tool %q: %v", name, err))
		}
	}

	for name, col := range c.Collectors {
		if col == nil {
			continue
		}
		if err := col.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("collector %q: %v", name, err))
		}
	}

	if c.Federation != nil {
		if err := c.Federation.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("federation: %v", err))
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server: %v", err))
	}

	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("logger: %v", err))
		}
	}

	if c.RateLimiting != nil {
		if err := c.RateLimiting.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("rate_limiting: %v", err))
		}
	}

	if c.Breaker != nil {
		if err := c.Breaker.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("breaker: %v", err))
		}
	}

	if err := c.validateReferences(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateReferences checks that all references between sections resolve.
func (c *Config) validateReferences() error {
	var errs []string

	for name, col := range c.Collectors {
		if col == nil || col.LLM == "" {
			continue
		}
		if _, ok := c.LLMs[col.LLM]; !ok {
			errs = append(errs, fmt.Sprintf("collector %q references undefined llm %q", name, col.LLM))
		}
	}

	if c.RateLimiting != nil && c.RateLimiting.Backend == "sql" && c.RateLimiting.SQLDatabase != "" {
		if _, ok := c.Databases[c.RateLimiting.SQLDatabase]; !ok {
			errs = append(errs, fmt.Sprintf("rate_limiting references undefined database %q", c.RateLimiting.SQLDatabase))
		}
	}

	if c.Server.Sessions != nil && c.Server.Sessions.Database != "" {
		if _, ok := c.Databases[c.Server.Sessions.Database]; !ok {
			errs = append(errs, fmt.Sprintf("server.sessions references undefined database %q", c.Server.Sessions.Database))
		}
	}

	if c.Server.Registry != nil && c.Server.Registry.Database != "" {
		if _, ok := c.Databases[c.Server.Registry.Database]; !ok {
			errs = append(errs, fmt.Sprintf("server.registry references undefined database %q", c.Server.Registry.Database))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("reference errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// GetLLM returns the LLM config by name.
func (c *Config) GetLLM(name string) (*LLMConfig, bool) {
	llm, ok := c.LLMs[name]
	return llm, ok
}

// GetTool returns the tool config by name.
func (c *Config) GetTool(name string) (*ToolConfig, bool) {
	tool, ok := c.Tools[name]
	return tool, ok
}

// GetDatabase returns the database config by name.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok
}

// ListCollectors returns the names of all configured collectors.
func (c *Config) ListCollectors() []string {
	names := make([]string, 0, len(c.Collectors))
	for name := range c.Collectors {
		names = append(names, name)
	}
	return names
}
