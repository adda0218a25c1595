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

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/session"
)

func newTestStore(t *testing.T) *SQLSessionStore {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLSessionStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	c := session.NewContext("s1", "u1")
	c.AppendUser("create an invoice", nil)
	c.AppendAssistant("Who is it for?", nil)
	c.CollectedData = map[string]any{"customer": "Acme"}
	c.ActiveCollector = &session.ActiveCollector{
		Name:      "create_invoice",
		State:     session.CollectorCollecting,
		AskingFor: "items",
	}
	c.PushFrame(session.WorkflowFrame{Workflow: "create_invoice", Step: "customer_id"})
	c.Set("k", "v")
	require.NoError(t, s.Save(context.Background(), c))

	loaded, err := s.Load(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, "u1", loaded.CallerID)
	require.Len(t, loaded.Log, 2)
	assert.Equal(t, session.RoleUser, loaded.Log[0].Role)
	assert.Equal(t, "Acme", loaded.CollectedData["customer"])
	require.NotNil(t, loaded.ActiveCollector)
	assert.Equal(t, "items", loaded.ActiveCollector.AskingFor)
	require.Len(t, loaded.WorkflowStack, 1)
	assert.Equal(t, "customer_id", loaded.WorkflowStack[0].Step)
	v, ok := loaded.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSQLSessionSaveIsUpsert(t *testing.T) {
	s := newTestStore(t)

	c := session.NewContext("s1", "")
	c.AppendUser("hi", nil)
	require.NoError(t, s.Save(context.Background(), c))

	c.AppendAssistant("hello", nil)
	require.NoError(t, s.Save(context.Background(), c))

	loaded, err := s.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.Log, 2)
}

func TestSQLSessionDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(context.Background(), session.NewContext("s1", "")))
	require.NoError(t, s.Delete(context.Background(), "s1"))

	_, err := s.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSQLSessionEvict(t *testing.T) {
	s := newTestStore(t)

	old := session.NewContext("old", "")
	require.NoError(t, s.Save(context.Background(), old))

	// Backdate the row so the eviction window catches it.
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE relay_sessions SET updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Add(-2*time.Hour), "old")
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), session.NewContext("fresh", "")))

	n, err := s.Evict(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Load(context.Background(), "old")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = s.Load(context.Background(), "fresh")
	assert.NoError(t, err)
}
