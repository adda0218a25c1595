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

// Package breaker implements the per-node Circuit Breaker (C4): a
// closed/open/half-open failure-isolation state machine preventing
// cascading peer failures.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is one of the breaker's three positions.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config holds the breaker's tunables, mirroring the Config/Store split
// used by the rate limiter: policy lives in Config, state lives in Store.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from Closed to Open. Default 5.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count in Half-Open that
	// restores Closed. Default 1.
	SuccessThreshold int

	// CooldownSeconds is how long Open lasts before transitioning to
	// Half-Open. Default 30.
	CooldownSeconds int
}

// SetDefaults fills zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = 30
	}
}

// NodeState is one node's breaker bookkeeping.
type NodeState struct {
	State            State
	ConsecutiveFails int
	ConsecutiveOK    int
	LastChange       time.Time
	halfOpenInFlight bool
}

// Store holds per-node breaker state. MemoryStore is the default; a future
// distributed store can be swapped in without touching the state machine.
type Store interface {
	Get(node string) *NodeState
	Set(node string, s *NodeState)
}

// MemoryStore is an in-memory, mutex-protected Store.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string]*NodeState
}

// NewMemoryStore creates an empty in-memory breaker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]*NodeState)}
}

func (s *MemoryStore) Get(node string) *NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.nodes[node]; ok {
		return st
	}
	st := &NodeState{State: Closed, LastChange: time.Now()}
	s.nodes[node] = st
	return st
}

func (s *MemoryStore) Set(node string, st *NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node] = st
}

// ErrNodeUnavailable is returned by Allow when the breaker is Open (or
// Half-Open with a probe already in flight).
var ErrNodeUnavailable = fmt.Errorf("breaker: node unavailable")

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "breaker",
		Name:      "node_state",
		Help:      "Circuit breaker state per node (0=closed,1=half_open,2=open).",
	}, []string{"node"})
)

func init() {
	prometheus.MustRegister(stateGauge)
}

func stateValue(s State) float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// Breaker wraps a node's circuit-breaker state machine, guarded by a mutex
// per node (the whole Breaker mutex, since the Store already serializes
// per-node reads/writes through a single in-memory map).
type Breaker struct {
	cfg   Config
	store Store
	mu    sync.Mutex
}

// New creates a Breaker with the given config, defaulting to MemoryStore.
func New(cfg Config, store Store) *Breaker {
	cfg.SetDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	return &Breaker{cfg: cfg, store: store}
}

// Allow reports whether a call to node may proceed, transitioning Open ->
// Half-Open once the cooldown has elapsed. Half-Open concurrency is
// bounded to one outstanding probe per node.
func (b *Breaker) Allow(node string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.store.Get(node)

	switch st.State {
	case Closed:
		return nil
	case Open:
		if time.Since(st.LastChange) >= time.Duration(b.cfg.CooldownSeconds)*time.Second {
			st.State = HalfOpen
			st.LastChange = time.Now()
			st.halfOpenInFlight = true
			b.store.Set(node, st)
			stateGauge.WithLabelValues(node).Set(stateValue(HalfOpen))
			return nil
		}
		return ErrNodeUnavailable
	case HalfOpen:
		if st.halfOpenInFlight {
			return ErrNodeUnavailable
		}
		st.halfOpenInFlight = true
		b.store.Set(node, st)
		return nil
	default:
		return nil
	}
}

// RecordSuccess registers a successful call. In Half-Open, SuccessThreshold
// consecutive successes close the breaker; in Closed it resets the failure
// counter.
func (b *Breaker) RecordSuccess(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.store.Get(node)
	st.ConsecutiveFails = 0
	st.halfOpenInFlight = false

	switch st.State {
	case HalfOpen:
		st.ConsecutiveOK++
		if st.ConsecutiveOK >= b.cfg.SuccessThreshold {
			st.State = Closed
			st.ConsecutiveOK = 0
			st.LastChange = time.Now()
			stateGauge.WithLabelValues(node).Set(stateValue(Closed))
		}
	case Closed:
		st.ConsecutiveOK = 0
	}
	b.store.Set(node, st)
}

// RecordFailure registers a failed call. In Closed, FailureThreshold
// consecutive failures opens the breaker; in Half-Open, any failure
// re-opens it and restarts the cooldown.
func (b *Breaker) RecordFailure(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.store.Get(node)
	st.ConsecutiveOK = 0
	st.halfOpenInFlight = false

	switch st.State {
	case Closed:
		st.ConsecutiveFails++
		if st.ConsecutiveFails >= b.cfg.FailureThreshold {
			st.State = Open
			st.LastChange = time.Now()
			stateGauge.WithLabelValues(node).Set(stateValue(Open))
		}
	case HalfOpen:
		st.State = Open
		st.LastChange = time.Now()
		stateGauge.WithLabelValues(node).Set(stateValue(Open))
	}
	b.store.Set(node, st)
}

// StateOf reports the current state of a node's breaker, for /dashboard.
func (b *Breaker) StateOf(node string) State {
	return b.store.Get(node).State
}
