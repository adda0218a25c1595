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

// Package discovery implements Discovery & Digest (C5): enumeration of
// local tools/collectors/collections, merged remote catalogs with a lazy
// resolve-once-cache-with-TTL shape, and a compact deterministic routing
// digest for the decision engine's prompt.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relaymesh/relay/pkg/registry"
)

// NodeSummary is the per-node slice of a Node Record that feeds the digest:
// description, domains, and headline collections.
type NodeSummary struct {
	Slug        string
	Description string
	Domains     []string
	Collections []string

	// Collectors and Tools are carried for catalog merging; the digest
	// renders only the headline fields above.
	Collectors []string
	Tools      []string
}

// Fetcher retrieves a remote node's capability summary, e.g. via a
// GET /capabilities call through pkg/transport.
type Fetcher interface {
	FetchCapabilities(ctx context.Context, node *registry.Node) (NodeSummary, error)
}

// cacheEntry holds one node's cached summary and when it was fetched.
type cacheEntry struct {
	summary   NodeSummary
	fetchedAt time.Time
}

// Manager discovers and caches remote node capabilities, modeled on the
// "resolve once, cache with TTL, invalidate on signal" shape used for lazy
// MCP connections — here the invalidating signal is a node's health-status
// transition rather than a process restart.
type Manager struct {
	reg     *registry.Registry
	fetcher Fetcher
	ttl     time.Duration

	local NodeSummary

	mu         sync.Mutex
	cache      map[string]*cacheEntry
	lastStatus map[string]registry.NodeStatus

	tokenBudget int
	enc         *tiktoken.Tiktoken
}

// New creates a discovery Manager. local is this node's own summary,
// always included first in the digest.
func New(reg *registry.Registry, fetcher Fetcher, ttl time.Duration, local NodeSummary, tokenBudget int) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if tokenBudget <= 0 {
		tokenBudget = 2000
	}
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Manager{
		reg:         reg,
		fetcher:     fetcher,
		ttl:         ttl,
		local:       local,
		cache:       make(map[string]*cacheEntry),
		lastStatus:  make(map[string]registry.NodeStatus),
		tokenBudget: tokenBudget,
		enc:         enc,
	}
}

// summaryFor returns a node's cached summary, refreshing it if the TTL has
// elapsed or the node's health status changed since the last fetch.
func (m *Manager) summaryFor(ctx context.Context, n *registry.Node) (NodeSummary, error) {
	m.mu.Lock()
	entry, cached := m.cache[n.Slug]
	lastStatus, sawStatus := m.lastStatus[n.Slug]
	m.mu.Unlock()

	statusChanged := sawStatus && lastStatus != n.Status
	stale := !cached || time.Since(entry.fetchedAt) > m.ttl

	if cached && !stale && !statusChanged {
		return entry.summary, nil
	}

	summary, err := m.fetcher.FetchCapabilities(ctx, n)
	if err != nil {
		if cached {
			return entry.summary, nil // serve stale on fetch failure
		}
		return NodeSummary{}, err
	}

	m.mu.Lock()
	m.cache[n.Slug] = &cacheEntry{summary: summary, fetchedAt: time.Now()}
	m.lastStatus[n.Slug] = n.Status
	m.mu.Unlock()

	return summary, nil
}

// Invalidate drops a node's cached summary, forcing the next lookup to
// refetch. Called on explicit refresh requests.
func (m *Manager) Invalidate(nodeSlug string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, nodeSlug)
}

// DiscoverCollections returns every active peer's (and the local node's)
// declared collections, merged.
func (m *Manager) DiscoverCollections(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	for _, c := range m.local.Collections {
		set[c] = true
	}
	for _, n := range m.reg.ListActive() {
		s, err := m.summaryFor(ctx, n)
		if err != nil {
			continue
		}
		for _, c := range s.Collections {
			set[c] = true
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// DiscoverCollectors returns the local node's collectors and, when
// includeRemote is set, every active peer's advertised collectors, each
// mapped to its owning slug so callers can route starts.
func (m *Manager) DiscoverCollectors(ctx context.Context, includeRemote bool) (map[string]string, error) {
	out := make(map[string]string) // name -> owning slug ("" = local)
	for _, c := range m.local.Collectors {
		out[c] = ""
	}
	if !includeRemote {
		return out, nil
	}
	for _, n := range m.reg.ListActive() {
		s, err := m.summaryFor(ctx, n)
		if err != nil {
			continue
		}
		for _, c := range s.Collectors {
			if _, taken := out[c]; !taken {
				out[c] = n.Slug
			}
		}
	}
	return out, nil
}

// DiscoverTools returns every advertised tool name mapped to its owning
// node slug ("" = local). Local names win on collision, matching the
// dispatcher's precedence.
func (m *Manager) DiscoverTools(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, n := range m.reg.ListActive() {
		s, err := m.summaryFor(ctx, n)
		if err != nil {
			continue
		}
		for _, t := range s.Tools {
			out[t] = n.Slug
		}
	}
	for _, t := range m.local.Tools {
		out[t] = ""
	}
	return out, nil
}

// RoutingDigest renders a compact, deterministic text summary of every
// active peer plus the local node, truncated to the configured token
// budget. Guarantee: byte-identical output for identical registry state
// (nodes are sorted by slug before rendering).
func (m *Manager) RoutingDigest(ctx context.Context) (string, error) {
	summaries := []NodeSummary{m.local}

	nodes := m.reg.ListActive()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Slug < nodes[j].Slug })

	for _, n := range nodes {
		s, err := m.summaryFor(ctx, n)
		if err != nil {
			continue
		}
		summaries = append(summaries, s)
	}

	var b strings.Builder
	used := 0
	for _, s := range summaries {
		var line strings.Builder
		fmt.Fprintf(&line, "- %s: %s", s.Slug, s.Description)
		if len(s.Domains) > 0 {
			fmt.Fprintf(&line, " [domains: %s]", strings.Join(s.Domains, ", "))
		}
		if len(s.Collections) > 0 {
			fmt.Fprintf(&line, " [collections: %s]", strings.Join(s.Collections, ", "))
		}
		line.WriteString("\n")

		next, ok := m.withinBudget(b.String()+line.String(), used)
		if !ok {
			break
		}
		b.WriteString(line.String())
		used = next
	}

	return b.String(), nil
}

// withinBudget reports whether appending to candidate keeps the running
// token count under the manager's budget, returning the new count.
// Truncation happens line-by-line rather than by decoding a token prefix,
// so the digest never needs anything beyond the encoder's Encode method.
func (m *Manager) withinBudget(candidate string, _ int) (int, bool) {
	if m.enc == nil {
		return 0, true
	}
	n := len(m.enc.Encode(candidate, nil, nil))
	return n, n <= m.tokenBudget
}
