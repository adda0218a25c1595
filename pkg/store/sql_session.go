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

// Package store provides the durable SQL backend for session contexts,
// the opt-in alternative to the default in-memory TTL store. One row per
// session; the whole context object is written atomically per request.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/relay/pkg/session"
)

// SQLSessionStore persists session contexts in a relational database via
// database/sql. Works with postgres, mysql, and sqlite drivers; the
// schema sticks to portable types (TEXT payload, TIMESTAMP bookkeeping).
type SQLSessionStore struct {
	db *sql.DB
}

// Schema is the DDL for the sessions table, executed by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
	session_id   VARCHAR(255) PRIMARY KEY,
	caller_id    VARCHAR(255),
	payload      TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

// NewSQLSessionStore wraps an opened database handle.
func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

// Migrate creates the sessions table if it does not exist.
func (s *SQLSessionStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate sessions: %w", err)
	}
	return nil
}

// payload is the JSON shape of a persisted context. Conversation log and
// scratchpad ride along as-is; only identifiers are broken out into
// columns for querying.
type payload struct {
	Log             []session.Turn           `json:"log"`
	Scratchpad      map[string]any           `json:"scratchpad"`
	WorkflowStack   []session.WorkflowFrame  `json:"workflow_stack,omitempty"`
	CollectedData   map[string]any           `json:"collected_data"`
	ActiveCollector *session.ActiveCollector `json:"active_collector,omitempty"`
	RoutedNode      *session.RoutedNode      `json:"routed_node,omitempty"`
	LastEntityList  *session.EntityList      `json:"last_entity_list,omitempty"`
	StepCounters    map[string]int           `json:"step_counters"`
}

// Load returns a freshly allocated Context reflecting the last durable
// save.
func (s *SQLSessionStore) Load(ctx context.Context, sessionID string) (*session.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT caller_id, payload, updated_at FROM relay_sessions WHERE session_id = ?`,
		sessionID)

	var callerID, raw string
	var updatedAt time.Time
	if err := row.Scan(&callerID, &raw, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("store: load session %q: %w", sessionID, err)
	}

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("store: decode session %q: %w", sessionID, err)
	}

	c := session.NewContext(sessionID, callerID)
	c.Log = p.Log
	if p.Scratchpad != nil {
		c.Scratchpad = p.Scratchpad
	}
	c.WorkflowStack = p.WorkflowStack
	if p.CollectedData != nil {
		c.CollectedData = p.CollectedData
	}
	c.ActiveCollector = p.ActiveCollector
	c.RoutedNode = p.RoutedNode
	c.LastEntityList = p.LastEntityList
	if p.StepCounters != nil {
		c.StepCounters = p.StepCounters
	}
	c.LastUpdated = updatedAt
	return c, nil
}

// Save upserts the full context object in one statement.
func (s *SQLSessionStore) Save(ctx context.Context, c *session.Context) error {
	raw, err := json.Marshal(payload{
		Log:             c.Log,
		Scratchpad:      c.Scratchpad,
		WorkflowStack:   c.WorkflowStack,
		CollectedData:   c.CollectedData,
		ActiveCollector: c.ActiveCollector,
		RoutedNode:      c.RoutedNode,
		LastEntityList:  c.LastEntityList,
		StepCounters:    c.StepCounters,
	})
	if err != nil {
		return fmt.Errorf("store: encode session %q: %w", c.SessionID, err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_sessions SET caller_id = ?, payload = ?, updated_at = ? WHERE session_id = ?`,
		c.CallerID, string(raw), now, c.SessionID)
	if err != nil {
		return fmt.Errorf("store: save session %q: %w", c.SessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO relay_sessions (session_id, caller_id, payload, updated_at) VALUES (?, ?, ?, ?)`,
		c.SessionID, c.CallerID, string(raw), now)
	if err != nil {
		return fmt.Errorf("store: insert session %q: %w", c.SessionID, err)
	}
	return nil
}

// Delete removes a session row.
func (s *SQLSessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: delete session %q: %w", sessionID, err)
	}
	return nil
}

// Evict removes sessions idle longer than ttl, mirroring the in-memory
// store's idle-eviction policy.
func (s *SQLSessionStore) Evict(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_sessions WHERE updated_at < ?`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("store: evict sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ session.Store = (*SQLSessionStore)(nil)
