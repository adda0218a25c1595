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

package rag

import "fmt"

// SearchError wraps a failure in one collection's search leg.
type SearchError struct {
	Collection string
	Strategy   string // e.g. "vector", "hyde", "multiquery"
	Err        error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("rag: %s search in %q failed: %v", e.Strategy, e.Collection, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// EmbedError wraps an embedding-provider failure.
type EmbedError struct {
	Provider string
	Err      error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("rag: %s embedding failed: %v", e.Provider, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }
