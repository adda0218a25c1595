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

import "fmt"

// ToolConfig represents a single tool declared to the dispatcher. Type
// selects which of the three tool sources (local, mcp, plugin) this entry
// belongs to.
type ToolConfig struct {
	// Type is "local", "mcp", or "plugin".
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`

	// MCP fields (Type == "mcp").
	MCPTransport string            `yaml:"mcp_transport,omitempty"` // stdio, http, sse
	MCPCommand   string            `yaml:"mcp_command,omitempty"`
	MCPArgs      []string          `yaml:"mcp_args,omitempty"`
	MCPURL       string            `yaml:"mcp_url,omitempty"`
	MCPHeaders   map[string]string `yaml:"mcp_headers,omitempty"`
	MCPAllow     []string          `yaml:"mcp_allow,omitempty"` // tool-name allowlist; empty = all

	// Plugin fields (Type == "plugin").
	PluginPath string `yaml:"plugin_path,omitempty"`
}

// SetDefaults applies default values to ToolConfig.
func (c *ToolConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "local"
	}
	if c.Type == "mcp" && c.MCPTransport == "" {
		c.MCPTransport = "stdio"
	}
}

// Validate checks ToolConfig for errors.
func (c *ToolConfig) Validate() error {
	switch c.Type {
	case "local":
		return nil
	case "mcp":
		switch c.MCPTransport {
		case "stdio":
			if c.MCPCommand == "" {
				return fmt.Errorf("mcp_command is required for stdio transport")
			}
		case "http", "sse":
			if c.MCPURL == "" {
				return fmt.Errorf("mcp_url is required for %s transport", c.MCPTransport)
			}
		default:
			return fmt.Errorf("invalid mcp_transport %q (valid: stdio, http, sse)", c.MCPTransport)
		}
		return nil
	case "plugin":
		if c.PluginPath == "" {
			return fmt.Errorf("plugin_path is required for plugin tools")
		}
		return nil
	default:
		return fmt.Errorf("invalid tool type %q (valid: local, mcp, plugin)", c.Type)
	}
}
