// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"github.com/relaymesh/relay/pkg/config"
	"github.com/relaymesh/relay/pkg/plugintool"
	"github.com/relaymesh/relay/pkg/tool"
	"github.com/relaymesh/relay/pkg/tool/mcptoolset"
)

// mcpDescriptors connects to a configured MCP server and returns its
// advertised tools as dispatcher descriptors.
func mcpDescriptors(name string, tc *config.ToolConfig) ([]tool.Descriptor, error) {
	ts, err := mcptoolset.New(mcptoolset.Config{
		Name:      name,
		URL:       tc.MCPURL,
		Transport: tc.MCPTransport,
		Command:   tc.MCPCommand,
		Args:      tc.MCPArgs,
		Filter:    tc.MCPAllow,
	})
	if err != nil {
		return nil, err
	}
	return ts.Descriptors()
}

// pluginDescriptor launches a configured out-of-process plugin tool and
// wraps it as a local dispatcher descriptor.
func pluginDescriptor(name string, tc *config.ToolConfig) (tool.Descriptor, func(), error) {
	pt, closer, err := plugintool.Open(plugintool.Config{
		Name: name,
		Path: tc.PluginPath,
	})
	if err != nil {
		return tool.Descriptor{}, nil, err
	}
	return tool.Descriptor{
		Name:        pt.Name(),
		Domain:      name,
		Description: pt.Description(),
		Schema:      pt.Schema(),
		Source:      tool.SourceLocal,
		Local:       pt,
	}, closer, nil
}
