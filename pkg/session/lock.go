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

import "sync"

// Locks serializes per-session work: a per-session mutex ensures no two
// requests for the same session id execute concurrently, while cross-session
// work proceeds fully in parallel. An entry stays in the table until Forget
// is called for its session id; session eviction does not remove it.
type Locks struct {
	m sync.Map // sessionID -> *sync.Mutex
}

// NewLocks creates an empty per-session lock table.
func NewLocks() *Locks {
	return &Locks{}
}

// Lock acquires (creating if necessary) the mutex for a session id and
// returns an unlock function.
func (l *Locks) Lock(sessionID string) func() {
	v, _ := l.m.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Forget drops the lock entry for a session, e.g. after eviction.
func (l *Locks) Forget(sessionID string) {
	l.m.Delete(sessionID)
}
