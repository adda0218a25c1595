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

package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 5, CooldownSeconds: 30}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow("mail"))
		b.RecordFailure("mail")
	}

	// The sixth call short-circuits without touching the network.
	err := b.Allow("mail")
	assert.ErrorIs(t, err, ErrNodeUnavailable)
	assert.Equal(t, Open, b.StateOf("mail"))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3}, nil)

	b.RecordFailure("mail")
	b.RecordFailure("mail")
	b.RecordSuccess("mail")
	b.RecordFailure("mail")
	b.RecordFailure("mail")

	assert.NoError(t, b.Allow("mail"), "non-consecutive failures never trip the breaker")
}

func TestBreakerSingleProbePerCooldownWindow(t *testing.T) {
	// Property 5: within a single cool-down window, at most one probe.
	store := NewMemoryStore()
	b := New(Config{FailureThreshold: 1, CooldownSeconds: 30}, store)

	require.NoError(t, b.Allow("mail"))
	b.RecordFailure("mail")
	require.ErrorIs(t, b.Allow("mail"), ErrNodeUnavailable)

	// Force the cooldown to elapse.
	st := store.Get("mail")
	st.LastChange = time.Now().Add(-31 * time.Second)
	store.Set("mail", st)

	assert.NoError(t, b.Allow("mail"), "first call after cooldown is the probe")
	assert.Equal(t, HalfOpen, b.StateOf("mail"))
	assert.ErrorIs(t, b.Allow("mail"), ErrNodeUnavailable, "second concurrent probe is rejected")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	store := NewMemoryStore()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, CooldownSeconds: 1}, store)

	b.RecordFailure("mail")
	st := store.Get("mail")
	st.LastChange = time.Now().Add(-2 * time.Second)
	store.Set("mail", st)

	require.NoError(t, b.Allow("mail"))
	b.RecordSuccess("mail")
	assert.Equal(t, Closed, b.StateOf("mail"))
	assert.NoError(t, b.Allow("mail"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	store := NewMemoryStore()
	b := New(Config{FailureThreshold: 1, CooldownSeconds: 30}, store)

	b.RecordFailure("mail")
	st := store.Get("mail")
	st.LastChange = time.Now().Add(-31 * time.Second)
	store.Set("mail", st)

	require.NoError(t, b.Allow("mail"))
	b.RecordFailure("mail")

	assert.Equal(t, Open, b.StateOf("mail"))
	assert.ErrorIs(t, b.Allow("mail"), ErrNodeUnavailable, "cooldown restarts after a failed probe")
}

func TestBreakerTracksNodesIndependently(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, nil)

	b.RecordFailure("mail")
	assert.ErrorIs(t, b.Allow("mail"), ErrNodeUnavailable)
	assert.NoError(t, b.Allow("billing"))
}
