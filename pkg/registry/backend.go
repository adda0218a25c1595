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

package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	consulapi "github.com/hashicorp/consul/api"
)

// Backend is the durability strategy behind the Node Registry, orthogonal
// to the registry's public API. MemoryBackend (the default) keeps no state
// across restarts; ConsulBackend persists node descriptions to Consul's KV
// store so a cluster's node list survives a master restart.
type Backend interface {
	// Put persists (or updates) a node record.
	Put(n *Node) error

	// Load returns every node record known to the backend, used to
	// repopulate the registry at startup.
	Load() ([]*Node, error)

	// Delete removes a node record.
	Delete(slug string) error
}

// MemoryBackend is a no-op Backend: nodes live only in the Registry's own
// in-memory map, so Load always returns empty.
type MemoryBackend struct{}

// NewMemoryBackend returns the default, non-durable Backend.
func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (*MemoryBackend) Put(*Node) error        { return nil }
func (*MemoryBackend) Load() ([]*Node, error) { return nil, nil }
func (*MemoryBackend) Delete(string) error    { return nil }

// consulNodeRecord is the JSON shape stored under each node's KV key.
type consulNodeRecord struct {
	Slug         string       `json:"slug"`
	DisplayName  string       `json:"display_name"`
	BaseURL      string       `json:"base_url"`
	Type         NodeType     `json:"type"`
	Status       NodeStatus   `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
	CredentialID string       `json:"credential_id"`
}

// ConsulBackend persists node descriptions under a KV prefix, using the
// same github.com/hashicorp/consul/api client pkg/config already depends
// on for configuration-provider hot reload.
type ConsulBackend struct {
	client *consulapi.Client
	prefix string

	mu sync.Mutex
}

// NewConsulBackend dials Consul at address and stores node records under
// keyPrefix (e.g. "relay/nodes/").
func NewConsulBackend(address, keyPrefix string) (*ConsulBackend, error) {
	cfg := consulapi.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: consul client: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "relay/nodes/"
	}
	return &ConsulBackend{client: client, prefix: keyPrefix}, nil
}

func (b *ConsulBackend) key(slug string) string {
	return b.prefix + slug
}

func (b *ConsulBackend) Put(n *Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := n.Snapshot()
	rec := consulNodeRecord{
		Slug:         snap.Slug,
		DisplayName:  snap.DisplayName,
		BaseURL:      snap.BaseURL,
		Type:         snap.Type,
		Status:       snap.Status,
		Capabilities: snap.Capabilities,
		Version:      snap.Version,
		CredentialID: snap.CredentialID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal node record: %w", err)
	}

	kv := b.client.KV()
	_, err = kv.Put(&consulapi.KVPair{Key: b.key(snap.Slug), Value: data}, nil)
	if err != nil {
		return fmt.Errorf("registry: consul put: %w", err)
	}
	return nil
}

func (b *ConsulBackend) Load() ([]*Node, error) {
	kv := b.client.KV()
	pairs, _, err := kv.List(b.prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: consul list: %w", err)
	}

	nodes := make([]*Node, 0, len(pairs))
	for _, p := range pairs {
		var rec consulNodeRecord
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			continue
		}
		nodes = append(nodes, &Node{
			Slug:         rec.Slug,
			DisplayName:  rec.DisplayName,
			BaseURL:      rec.BaseURL,
			Type:         rec.Type,
			Status:       rec.Status,
			Capabilities: rec.Capabilities,
			Version:      rec.Version,
			CredentialID: rec.CredentialID,
		})
	}
	return nodes, nil
}

func (b *ConsulBackend) Delete(slug string) error {
	kv := b.client.KV()
	_, err := kv.Delete(b.key(slug), nil)
	if err != nil {
		return fmt.Errorf("registry: consul delete: %w", err)
	}
	return nil
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*ConsulBackend)(nil)
)
