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

// Package registry implements the Node Registry (C2): the source of truth
// for peer nodes, their declared capabilities, and rolling health.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// NodeType distinguishes the two roles a Relay instance can play.
type NodeType string

const (
	NodeMaster NodeType = "master"
	NodeChild  NodeType = "child"
)

// NodeStatus is the node's current reachability state.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeInactive NodeStatus = "inactive"
	NodeError    NodeStatus = "error"
)

// Capabilities is the set of things a node has declared it can do.
type Capabilities struct {
	Tools       []string
	Collectors  []string
	Collections []string
	DomainTags  []string
}

// HealthSample is one health-ping observation reported to UpdateHealth.
type HealthSample struct {
	Latency time.Duration
	Success bool
	At      time.Time
}

// Health holds a node's rolling health metrics.
type Health struct {
	AvgLatency       time.Duration
	SuccessRate      float64
	PingFailureCount int
	LastSeen         time.Time
	consecutiveFails int
	consecutiveOK    int
	totalPings       int
	totalSuccesses   int
}

// ConnPoolStats is a snapshot of the pooled transport client for this node.
type ConnPoolStats struct {
	Active int
	Idle   int
	InUse  int
}

// RateLimitWindow tracks the node's inbound/outbound rate-limit window.
type RateLimitWindow struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Node is a peer runtime record, uniquely identified by Slug.
type Node struct {
	Slug         string
	DisplayName  string
	BaseURL      string
	Type         NodeType
	Status       NodeStatus
	Capabilities Capabilities
	Version      string

	mu         sync.RWMutex
	health     Health
	rateWindow RateLimitWindow
	poolStats  ConnPoolStats

	// activeConnections feeds the least-loaded tie-break in FindForCollection.
	activeConnections int

	CredentialID string
	RegisteredAt time.Time
}

// Snapshot returns a value copy of the node's mutable fields, safe to read
// without holding the registry lock afterward.
func (n *Node) Snapshot() Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cp := *n
	return cp
}

// HealthReport returns a copy of the node's current rolling health metrics.
func (n *Node) HealthReport() Health {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

// load computes the least-loaded tie-break score: active-connection count
// times (1 - success rate). Lower is better.
func (n *Node) load() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	successRate := n.health.SuccessRate
	return float64(n.activeConnections) * (1 - successRate)
}

// updateHealth folds one sample into the rolling metrics and applies the
// 3-consecutive-failures -> error / 1-success -> active transition.
func (n *Node) updateHealth(sample HealthSample) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h := &n.health
	h.totalPings++
	if h.AvgLatency == 0 {
		h.AvgLatency = sample.Latency
	} else {
		// exponential moving average, alpha = 0.2
		h.AvgLatency = time.Duration(0.8*float64(h.AvgLatency) + 0.2*float64(sample.Latency))
	}
	h.LastSeen = sample.At

	if sample.Success {
		h.totalSuccesses++
		h.consecutiveOK++
		h.consecutiveFails = 0
	} else {
		h.PingFailureCount++
		h.consecutiveFails++
		h.consecutiveOK = 0
	}
	if h.totalPings > 0 {
		h.SuccessRate = float64(h.totalSuccesses) / float64(h.totalPings)
	}

	if h.consecutiveFails >= 3 {
		n.Status = NodeError
	} else if sample.Success && n.Status != NodeInactive {
		n.Status = NodeActive
	}
}

// Description is the input to Register: the caller-declared capability set.
type Description struct {
	Slug         string
	DisplayName  string
	BaseURL      string
	Type         NodeType
	Capabilities Capabilities
	Version      string
}

// generateCredentialID mints a fresh opaque credential identifier.
func generateCredentialID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Registry is the Node Registry (C2): in-memory by default, with an
// optional durable Backend (see backend.go) so a cluster's node list
// survives a master restart.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	backend Backend
}

// NewRegistry creates a Node Registry backed by an in-memory MemoryBackend
// unless a durable Backend is supplied. If the backend holds durable state
// (e.g. ConsulBackend after a master restart), it is loaded immediately.
func NewRegistry(backend Backend) *Registry {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	r := &Registry{
		nodes:   make(map[string]*Node),
		backend: backend,
	}

	if nodes, err := backend.Load(); err == nil {
		for _, n := range nodes {
			r.nodes[n.Slug] = n
		}
	}
	return r
}

// Register is idempotent by slug: re-registering the same slug preserves
// node identity and only rotates its credential.
func (r *Registry) Register(desc Description) (*Node, error) {
	if desc.Slug == "" {
		return nil, fmt.Errorf("registry: slug is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[desc.Slug]; ok {
		existing.mu.Lock()
		existing.DisplayName = desc.DisplayName
		existing.BaseURL = desc.BaseURL
		existing.Type = desc.Type
		existing.Capabilities = desc.Capabilities
		existing.Version = desc.Version
		existing.CredentialID = generateCredentialID()
		existing.Status = NodeActive
		existing.mu.Unlock()

		_ = r.backend.Put(existing)
		return existing, nil
	}

	n := &Node{
		Slug:         desc.Slug,
		DisplayName:  desc.DisplayName,
		BaseURL:      desc.BaseURL,
		Type:         desc.Type,
		Status:       NodeActive,
		Capabilities: desc.Capabilities,
		Version:      desc.Version,
		CredentialID: generateCredentialID(),
		RegisteredAt: time.Now(),
	}
	r.nodes[n.Slug] = n
	_ = r.backend.Put(n)
	return n, nil
}

// GetBySlug returns the node with the given slug.
func (r *Registry) GetBySlug(slug string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[slug]
	return n, ok
}

// ListActive returns every node currently in NodeActive status.
func (r *Registry) ListActive() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status == NodeActive {
			out = append(out, n)
		}
	}
	return out
}

// List returns every registered node regardless of status.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// normalize singularizes a trailing "s" for loose plural matching.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, "s")
}

// FindForCollection matches nodes by exact collection name, falling back to
// normalized singular/plural form, and returns the least-loaded active
// match. load = active-connection count * (1 - success rate); lower wins.
func (r *Registry) FindForCollection(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Node
	for _, n := range r.nodes {
		if n.Status != NodeActive {
			continue
		}
		for _, c := range n.Capabilities.Collections {
			if c == name || normalize(c) == normalize(name) {
				candidates = append(candidates, n)
				break
			}
		}
	}

	if len(candidates) == 0 {
		return nil, false
	}

	best := candidates[0]
	bestLoad := best.load()
	for _, n := range candidates[1:] {
		if l := n.load(); l < bestLoad {
			best, bestLoad = n, l
		}
	}
	return best, true
}

// AddConnection increments a node's active-connection count, feeding the
// least-loaded tie-break in FindForCollection.
func (r *Registry) AddConnection(slug string) {
	r.mu.RLock()
	n, ok := r.nodes[slug]
	r.mu.RUnlock()
	if !ok {
		return
	}
	n.mu.Lock()
	n.activeConnections++
	n.mu.Unlock()
}

// ReleaseConnection decrements a node's active-connection count.
func (r *Registry) ReleaseConnection(slug string) {
	r.mu.RLock()
	n, ok := r.nodes[slug]
	r.mu.RUnlock()
	if !ok {
		return
	}
	n.mu.Lock()
	if n.activeConnections > 0 {
		n.activeConnections--
	}
	n.mu.Unlock()
}

// UpdateHealth records a new health sample for a node.
func (r *Registry) UpdateHealth(slug string, sample HealthSample) error {
	r.mu.RLock()
	n, ok := r.nodes[slug]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown node %q", slug)
	}
	n.updateHealth(sample)
	_ = r.backend.Put(n)
	return nil
}

// GetHealthReport returns a node's current rolling health metrics.
func (r *Registry) GetHealthReport(slug string) (Health, error) {
	r.mu.RLock()
	n, ok := r.nodes[slug]
	r.mu.RUnlock()
	if !ok {
		return Health{}, fmt.Errorf("registry: unknown node %q", slug)
	}
	return n.HealthReport(), nil
}

// Statistics summarizes fleet-wide counts for the /dashboard surface.
type Statistics struct {
	Total    int
	Active   int
	Inactive int
	Error    int
}

// Statistics returns fleet-wide node counts.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Statistics
	for _, n := range r.nodes {
		s.Total++
		switch n.Status {
		case NodeActive:
			s.Active++
		case NodeInactive:
			s.Inactive++
		case NodeError:
			s.Error++
		}
	}
	return s
}

// Deactivate soft-deletes a node by marking it inactive.
func (r *Registry) Deactivate(slug string) error {
	r.mu.RLock()
	n, ok := r.nodes[slug]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown node %q", slug)
	}
	n.mu.Lock()
	n.Status = NodeInactive
	n.mu.Unlock()
	_ = r.backend.Put(n)
	return nil
}
