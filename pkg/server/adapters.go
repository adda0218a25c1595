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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaymesh/relay/pkg/collector"
	"github.com/relaymesh/relay/pkg/discovery"
	"github.com/relaymesh/relay/pkg/orchestrator"
	"github.com/relaymesh/relay/pkg/rag"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/routing"
	"github.com/relaymesh/relay/pkg/tool"
	"github.com/relaymesh/relay/pkg/transport"
)

// peerCredentials implements transport.CredentialProvider by registering
// this node with each peer and exchanging the refresh token on expiry.
type peerCredentials struct {
	nodes *registry.Registry
	self  registerRequest
	http  *http.Client

	mu     sync.Mutex
	tokens map[string]*peerTokenPair // peer slug -> tokens
}

type peerTokenPair struct {
	access    string
	refresh   string
	expiresAt time.Time
}

func newPeerCredentials(nodes *registry.Registry, self registerRequest) *peerCredentials {
	return &peerCredentials{
		nodes:  nodes,
		self:   self,
		http:   &http.Client{Timeout: 10 * time.Second},
		tokens: make(map[string]*peerTokenPair),
	}
}

func (p *peerCredentials) Token(ctx context.Context, nodeSlug string) (string, error) {
	p.mu.Lock()
	pair, ok := p.tokens[nodeSlug]
	p.mu.Unlock()

	if ok && time.Now().Before(pair.expiresAt.Add(-30*time.Second)) {
		return pair.access, nil
	}
	return "", nil // forces a Refresh
}

// Refresh obtains a fresh access token: via the peer's /auth/refresh when
// we hold a refresh token, else by registering with the peer from scratch.
func (p *peerCredentials) Refresh(ctx context.Context, nodeSlug string) (string, error) {
	node, ok := p.nodes.GetBySlug(nodeSlug)
	if !ok {
		return "", fmt.Errorf("server: unknown peer %q", nodeSlug)
	}

	p.mu.Lock()
	pair := p.tokens[nodeSlug]
	p.mu.Unlock()

	if pair != nil && pair.refresh != "" {
		if access, expiresIn, err := p.refreshCall(ctx, node.BaseURL, pair.refresh); err == nil {
			p.store(nodeSlug, access, pair.refresh, expiresIn)
			return access, nil
		}
	}
	return p.register(ctx, node)
}

func (p *peerCredentials) register(ctx context.Context, node *registry.Node) (string, error) {
	body, _ := json.Marshal(p.self)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.BaseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("server: register with %q: %w", node.Slug, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server: register with %q: HTTP %d", node.Slug, resp.StatusCode)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("server: decode register response from %q: %w", node.Slug, err)
	}

	p.store(node.Slug, out.AccessToken, out.RefreshToken, out.ExpiresIn)
	return out.AccessToken, nil
}

func (p *peerCredentials) refreshCall(ctx context.Context, baseURL, refreshToken string) (string, int, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, err
	}
	return out.AccessToken, out.ExpiresIn, nil
}

func (p *peerCredentials) store(slug, access, refresh string, expiresIn int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	p.tokens[slug] = &peerTokenPair{
		access:    access,
		refresh:   refresh,
		expiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
}

// nodeCaller adapts the transport client to the orchestrator's NodeCaller.
type nodeCaller struct {
	client *transport.Client
	nodes  *registry.Registry
}

func (c *nodeCaller) ForwardChat(ctx context.Context, node *registry.Node, req orchestrator.ChatRequest, headers http.Header) (*orchestrator.ChatResponse, error) {
	c.nodes.AddConnection(node.Slug)
	defer c.nodes.ReleaseConnection(node.Slug)

	started := time.Now()
	resp, err := c.client.Forward(ctx, node.Slug, node.BaseURL, "/chat", req, headers)
	_ = c.nodes.UpdateHealth(node.Slug, registry.HealthSample{
		Latency: time.Since(started),
		Success: err == nil,
		At:      time.Now(),
	})
	if err != nil {
		return nil, err
	}

	var out orchestrator.ChatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("server: decode chat response from %q: %w", node.Slug, err)
	}
	return &out, nil
}

// toolForwarder adapts the transport client to the tool registry's
// Forwarder, resolving node slugs through the registry.
type toolForwarder struct {
	client *transport.Client
	nodes  *registry.Registry
}

func (f *toolForwarder) InvokeTool(ctx tool.Context, nodeSlug, toolName string, args map[string]any) (map[string]any, error) {
	node, ok := f.nodes.GetBySlug(nodeSlug)
	if !ok {
		return nil, fmt.Errorf("server: unknown node %q for tool %q", nodeSlug, toolName)
	}

	resp, err := f.client.Forward(ctx, node.Slug, node.BaseURL, "/execute", map[string]any{
		"tool":       toolName,
		"args":       args,
		"session_id": ctx.SessionID(),
		"caller_id":  ctx.CallerID(),
	}, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Success bool           `json:"success"`
		Result  map[string]any `json:"result"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("server: decode execute response from %q: %w", nodeSlug, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("server: remote tool %q failed: %s", toolName, out.Error)
	}
	return out.Result, nil
}

// capabilityFetcher adapts the transport client to the discovery Fetcher,
// reading each peer's /capabilities.
type capabilityFetcher struct {
	client *transport.Client
}

func (f *capabilityFetcher) FetchCapabilities(ctx context.Context, node *registry.Node) (discovery.NodeSummary, error) {
	resp, err := f.client.Forward(ctx, node.Slug, node.BaseURL, "/capabilities", nil, nil)
	if err != nil {
		return discovery.NodeSummary{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return discovery.NodeSummary{}, fmt.Errorf("server: capabilities from %q: HTTP %d", node.Slug, resp.StatusCode)
	}

	var out struct {
		Slug        string   `json:"slug"`
		Description string   `json:"description"`
		Domains     []string `json:"domains"`
		Collections []string `json:"collections"`
		Collectors  []string `json:"collectors"`
		Tools       []string `json:"tools"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return discovery.NodeSummary{}, err
	}
	return discovery.NodeSummary{
		Slug:        out.Slug,
		Description: out.Description,
		Domains:     out.Domains,
		Collections: out.Collections,
		Collectors:  out.Collectors,
		Tools:       out.Tools,
	}, nil
}

// ragSearcher adapts the rag engine to the orchestrator's Searcher.
type ragSearcher struct {
	engine *rag.Engine
}

func (s *ragSearcher) Search(ctx context.Context, query string, collections []string, limit int) ([]orchestrator.SearchResult, error) {
	hits, err := s.engine.Search(ctx, query, collections, limit)
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, orchestrator.SearchResult{
			ID:      h.ID,
			Type:    h.Type,
			Title:   h.Title,
			Snippet: h.Snippet,
			Score:   float64(h.Score),
		})
	}
	return out, nil
}

// catalogProvider assembles the decision engine's resource catalog from
// the collector registry, the tool registry, and discovery.
type catalogProvider struct {
	collectors *collector.Registry
	tools      *tool.Registry
	disc       *discovery.Manager
}

func (c *catalogProvider) Catalog(ctx context.Context) routing.Catalog {
	cat := routing.Catalog{}
	for _, d := range c.collectors.List() {
		cat.Collectors = append(cat.Collectors, routing.CollectorSummary{Name: d.Name, Goal: d.Goal})
	}
	for _, d := range c.tools.List() {
		cat.Tools = append(cat.Tools, routing.ToolSummary{Name: d.Name, Description: d.Description})
	}
	if cols, err := c.disc.DiscoverCollections(ctx); err == nil {
		cat.Collections = cols
	}
	return cat
}
