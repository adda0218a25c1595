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

// Package session implements the Context Store (C1): per-session
// conversational state, the workflow stack, and routing memory.
package session

import (
	"context"
	"errors"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the append-only conversation log.
type Turn struct {
	Role     Role
	Content  string
	Metadata map[string]any
	At       time.Time
}

// EntityList records the ids and type of the most recently presented list
// of items, enabling later positional references ("the second one") to
// resolve to a real id.
type EntityList struct {
	Type  string
	IDs   []string
	Start int
	End   int
}

// RoutedNode records that the session is currently pinned to a remote node.
type RoutedNode struct {
	Slug  string
	Since time.Time
	Topic string
}

// ActiveCollector records the collector currently driving the session.
type ActiveCollector struct {
	Name      string
	State     CollectorState
	AskingFor string
}

// CollectorState is the Collector Engine's (C7) state machine position.
type CollectorState string

const (
	CollectorCollecting           CollectorState = "collecting"
	CollectorAwaitingConfirmation CollectorState = "awaiting_confirmation"
	CollectorCompleted            CollectorState = "completed"
	CollectorCancelled            CollectorState = "cancelled"
	CollectorFailed               CollectorState = "failed"
)

// WorkflowFrame is a suspended collector execution awaiting a child
// sub-flow's completion.
type WorkflowFrame struct {
	Workflow      string
	Step          string
	CollectedData map[string]any
	ParentStep    string
	StepPrefix    string
}

// Context is the full per-session state held by the Context Store.
//
// Invariant: at most one active collector per session. RoutedNode and
// ActiveCollector are mutually independent but usually mutually exclusive.
type Context struct {
	SessionID string
	CallerID  string

	Log        []Turn
	Scratchpad map[string]any

	WorkflowStack []WorkflowFrame

	CollectedData   map[string]any
	ActiveCollector *ActiveCollector
	RoutedNode      *RoutedNode
	LastEntityList  *EntityList

	// StepCounters caps each (workflow, step) pair's per-session execution
	// count, guarding against infinite sub-flow loops.
	StepCounters map[string]int

	LastUpdated time.Time
}

// NewContext allocates a freshly initialized, empty Context.
func NewContext(sessionID, callerID string) *Context {
	return &Context{
		SessionID:     sessionID,
		CallerID:      callerID,
		Scratchpad:    make(map[string]any),
		CollectedData: make(map[string]any),
		StepCounters:  make(map[string]int),
		LastUpdated:   time.Now(),
	}
}

// AppendUser appends a user turn to the conversation log.
func (c *Context) AppendUser(content string, metadata map[string]any) {
	c.Log = append(c.Log, Turn{Role: RoleUser, Content: content, Metadata: metadata, At: time.Now()})
}

// AppendAssistant appends an assistant turn to the conversation log.
func (c *Context) AppendAssistant(content string, metadata map[string]any) {
	c.Log = append(c.Log, Turn{Role: RoleAssistant, Content: content, Metadata: metadata, At: time.Now()})
}

// Set stores a scratchpad entry.
func (c *Context) Set(key string, value any) {
	c.Scratchpad[key] = value
}

// Get retrieves a scratchpad entry.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Scratchpad[key]
	return v, ok
}

// Forget removes a scratchpad entry.
func (c *Context) Forget(key string) {
	delete(c.Scratchpad, key)
}

// PushFrame pushes a suspended workflow frame onto the stack.
func (c *Context) PushFrame(f WorkflowFrame) {
	c.WorkflowStack = append(c.WorkflowStack, f)
}

// PopFrame pops the most recent workflow frame, if any.
func (c *Context) PopFrame() (WorkflowFrame, bool) {
	if len(c.WorkflowStack) == 0 {
		return WorkflowFrame{}, false
	}
	n := len(c.WorkflowStack) - 1
	f := c.WorkflowStack[n]
	c.WorkflowStack = c.WorkflowStack[:n]
	return f, true
}

// PeekFrame returns the top-of-stack frame without popping it.
func (c *Context) PeekFrame() (WorkflowFrame, bool) {
	if len(c.WorkflowStack) == 0 {
		return WorkflowFrame{}, false
	}
	return c.WorkflowStack[len(c.WorkflowStack)-1], true
}

// IncrStep increments and returns the (workflow, step) execution counter.
func (c *Context) IncrStep(workflow, step string) int {
	key := workflow + "/" + step
	c.StepCounters[key]++
	return c.StepCounters[key]
}

// ErrNotFound is returned by Store.Load when a session does not exist.
var ErrNotFound = errors.New("session: not found")

// Store is the Context Store's persistence contract (C1).
type Store interface {
	// Load returns a freshly allocated Context reflecting the last durable
	// save, or ErrNotFound if it does not yet exist. Idempotent.
	Load(ctx context.Context, sessionID string) (*Context, error)

	// Save persists the full context object atomically.
	Save(ctx context.Context, c *Context) error

	// Delete removes a session's durable state.
	Delete(ctx context.Context, sessionID string) error
}

// LoadOrNew loads an existing session or allocates a new one if absent.
func LoadOrNew(ctx context.Context, store Store, sessionID, callerID string) (*Context, error) {
	c, err := store.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return NewContext(sessionID, callerID), nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
