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

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStackPushPop(t *testing.T) {
	c := NewContext("s1", "")

	c.PushFrame(WorkflowFrame{Workflow: "create_invoice", Step: "customer_id"})
	c.PushFrame(WorkflowFrame{Workflow: "create_customer", Step: "name"})

	top, ok := c.PeekFrame()
	require.True(t, ok)
	assert.Equal(t, "create_customer", top.Workflow)

	f, ok := c.PopFrame()
	require.True(t, ok)
	assert.Equal(t, "create_customer", f.Workflow)

	f, ok = c.PopFrame()
	require.True(t, ok)
	assert.Equal(t, "create_invoice", f.Workflow)

	_, ok = c.PopFrame()
	assert.False(t, ok)
}

func TestScratchpad(t *testing.T) {
	c := NewContext("s1", "")

	c.Set("k", 42)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	c.Forget("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestIncrStepCountsPerWorkflowStep(t *testing.T) {
	c := NewContext("s1", "")

	assert.Equal(t, 1, c.IncrStep("wf", "a"))
	assert.Equal(t, 2, c.IncrStep("wf", "a"))
	assert.Equal(t, 1, c.IncrStep("wf", "b"))
	assert.Equal(t, 1, c.IncrStep("other", "a"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	c := NewContext("s1", "u1")
	c.AppendUser("hi", nil)
	c.AppendAssistant("hello", nil)
	require.NoError(t, s.Save(context.Background(), c))

	loaded, err := s.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.Log, 2)
	assert.Equal(t, "u1", loaded.CallerID)
}

func TestMemoryStoreEvictsIdleSessions(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), NewContext("s1", "")))

	assert.Eventually(t, func() bool {
		_, err := s.Load(context.Background(), "s1")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestLoadOrNewAllocatesFreshContext(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	c, err := LoadOrNew(context.Background(), s, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", c.SessionID)
	assert.NotNil(t, c.Scratchpad)
	assert.NotNil(t, c.CollectedData)
}

func TestLocksSerializePerSession(t *testing.T) {
	locks := NewLocks()

	var mu sync.Mutex
	var order []int

	unlock := locks.Lock("s1")

	done := make(chan struct{})
	go func() {
		u := locks.Lock("s1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	// A different session is not blocked.
	u2 := locks.Lock("s2")
	u2()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}
