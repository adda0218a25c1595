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

// Package plugintool runs tool handlers as out-of-process plugins over
// hashicorp/go-plugin, so a privileged tool (filesystem access, secrets)
// can live outside the Relay process without changing the dispatcher's
// interface. The plugin binary calls Serve with its implementation; Relay
// calls Open and gets back an ordinary CallableTool.
package plugintool

import (
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/relaymesh/relay/pkg/tool"
)

// Handshake pairs Relay with its tool plugins; a cookie mismatch means
// the binary is not a Relay tool plugin.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "RELAY_TOOL_PLUGIN",
	MagicCookieValue: "relay-tool-v1",
}

const pluginName = "tool"

// Manifest is what a plugin reports about itself.
type Manifest struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Service is the contract a tool plugin binary implements.
type Service interface {
	Describe() (Manifest, error)
	Invoke(args map[string]any) (map[string]any, error)
}

// Config locates a plugin binary.
type Config struct {
	Name string
	Path string
}

// Open launches the plugin binary and wraps it as a CallableTool. The
// returned closer kills the plugin process.
func Open(cfg Config) (tool.CallableTool, func(), error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]goplugin.Plugin{pluginName: &rpcPlugin{}},
		Cmd:             exec.Command(cfg.Path),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "relay-plugin." + cfg.Name,
			Level: hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("plugintool: connect %q: %w", cfg.Path, err)
	}

	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("plugintool: dispense %q: %w", cfg.Path, err)
	}

	svc, ok := raw.(Service)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugintool: %q does not implement the tool service", cfg.Path)
	}

	manifest, err := svc.Describe()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("plugintool: describe %q: %w", cfg.Path, err)
	}

	return &pluginTool{svc: svc, manifest: manifest}, client.Kill, nil
}

// Serve is called from a plugin binary's main to expose its Service.
func Serve(svc Service) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]goplugin.Plugin{pluginName: &rpcPlugin{impl: svc}},
	})
}

// pluginTool adapts a remote Service to the dispatcher's CallableTool.
type pluginTool struct {
	svc      Service
	manifest Manifest
}

func (t *pluginTool) Name() string           { return t.manifest.Name }
func (t *pluginTool) Description() string    { return t.manifest.Description }
func (t *pluginTool) Schema() map[string]any { return t.manifest.Schema }

func (t *pluginTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return t.svc.Invoke(args)
}

// rpcPlugin wires Service over go-plugin's net/rpc protocol.
type rpcPlugin struct {
	impl Service
}

func (p *rpcPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.impl}, nil
}

func (p *rpcPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

type rpcServer struct {
	impl Service
}

func (s *rpcServer) Describe(_ struct{}, resp *Manifest) error {
	m, err := s.impl.Describe()
	if err != nil {
		return err
	}
	*resp = m
	return nil
}

// InvokeArgs is exported because net/rpc only registers methods whose
// argument type is exported.
type InvokeArgs struct {
	Args map[string]any
}

func (s *rpcServer) Invoke(args InvokeArgs, resp *map[string]any) error {
	out, err := s.impl.Invoke(args.Args)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Describe() (Manifest, error) {
	var m Manifest
	err := c.client.Call("Plugin.Describe", struct{}{}, &m)
	return m, err
}

func (c *rpcClient) Invoke(args map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.client.Call("Plugin.Invoke", InvokeArgs{Args: args}, &out)
	return out, err
}
