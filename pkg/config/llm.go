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
	"os"
)

// LLMConfig configures an LLM provider used for routing decisions and
// collector field extraction.
type LLMConfig struct {
	// Provider selects the backend: "anthropic", "openai", "gemini", or
	// "ollama".
	Provider string `yaml:"provider,omitempty"`

	Model       string  `yaml:"model,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Host        string  `yaml:"host,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Timeout     int     `yaml:"timeout,omitempty"` // seconds
	MaxRetries  int     `yaml:"max_retries,omitempty"`
	RetryDelay  int     `yaml:"retry_delay,omitempty"` // seconds, exponential base

	// TLS settings for the provider's HTTP client.
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify,omitempty"`
	CACertificate      string `yaml:"ca_certificate,omitempty"`

	// Thinking enables reasoning output on providers that support it.
	Thinking *ThinkingConfig `yaml:"thinking,omitempty"`
}

// ThinkingConfig configures extended thinking / reasoning for an LLM.
type ThinkingConfig struct {
	Enabled      bool `yaml:"enabled,omitempty"`
	BudgetTokens int  `yaml:"budget_tokens,omitempty"`
}

// SetDefaults applies default values to LLMConfig.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "anthropic"
	}
	if c.Model == "" {
		switch c.Provider {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "openai":
			c.Model = "gpt-4o"
		case "gemini":
			c.Model = "gemini-2.0-flash"
		case "ollama":
			c.Model = "llama3.1"
		}
	}
	if c.Host == "" {
		switch c.Provider {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "openai":
			c.Host = "https://api.openai.com/v1"
		case "ollama":
			c.Host = "http://localhost:11434"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2 // routing/extraction favors low-variance output
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
	if c.APIKey == "" {
		switch c.Provider {
		case "anthropic":
			c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// Validate checks LLMConfig for errors.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "gemini", "ollama", "":
	default:
		return fmt.Errorf("unsupported provider %q (valid: anthropic, openai, gemini, ollama)", c.Provider)
	}
	if c.Provider != "ollama" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	return nil
}

// EmbedderConfig configures an embedding provider for vector search.
type EmbedderConfig struct {
	Provider  string `yaml:"provider,omitempty"`
	Model     string `yaml:"model,omitempty"`
	Host      string `yaml:"host,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
}

// SetDefaults applies default values to EmbedderConfig.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Host == "" {
		c.Host = "http://localhost:11434"
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
}

// Validate checks EmbedderConfig for errors.
func (c *EmbedderConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}
