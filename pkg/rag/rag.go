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

// Package rag implements the knowledge-search subsystem behind the
// search_knowledge action and the /search endpoint: query embedding,
// vector search across declared collections, and optional LLM-backed
// query enhancement (HyDE, multi-query expansion).
//
// Document ingestion and embedding-pipeline management are out of scope;
// collections are populated externally.
package rag

import (
	"context"
	"sort"
	"strings"

	"github.com/relaymesh/relay/pkg/vector"
)

// Embedder turns text into a vector. Implementations live in
// embedder.go (ollama, openai).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Result is one knowledge-search hit.
type Result struct {
	ID         string
	Collection string
	Type       string
	Title      string
	Snippet    string
	Score      float32
	Metadata   map[string]any
}

// Enhancer rewrites a query into one or more search queries, e.g. HyDE's
// hypothetical document or multi-query expansion. Enhancers are optional;
// a nil enhancer searches the raw query.
type Enhancer interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// Engine searches declared collections with embedded queries.
type Engine struct {
	provider vector.Provider
	embedder Embedder
	enhancer Enhancer

	// defaultCollections is searched when the caller names none.
	defaultCollections []string
}

// NewEngine creates a search engine. enhancer may be nil.
func NewEngine(provider vector.Provider, embedder Embedder, enhancer Enhancer, defaultCollections []string) *Engine {
	return &Engine{
		provider:           provider,
		embedder:           embedder,
		enhancer:           enhancer,
		defaultCollections: defaultCollections,
	}
}

// Search embeds the (sanitized, possibly enhanced) query and merges hits
// across the requested collections, deduplicated by collection and id and
// ordered by score.
func (e *Engine) Search(ctx context.Context, query string, collections []string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	if len(collections) == 0 {
		collections = e.defaultCollections
	}

	queries := []string{sanitizeInput(query)}
	if e.enhancer != nil {
		if expanded, err := e.enhancer.Expand(ctx, queries[0]); err == nil && len(expanded) > 0 {
			queries = expanded
		}
	}

	seen := make(map[string]bool)
	var merged []Result

	for _, q := range queries {
		vec, err := e.embedder.Embed(ctx, q)
		if err != nil {
			return nil, &EmbedError{Provider: "embedder", Err: err}
		}

		for _, col := range collections {
			hits, err := e.provider.Search(ctx, col, vec, limit)
			if err != nil {
				// One failing collection must not sink the whole search.
				continue
			}
			for _, hit := range hits {
				key := col + "/" + hit.ID
				if seen[key] {
					continue
				}
				seen[key] = true
				merged = append(merged, fromVectorResult(col, hit))
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func fromVectorResult(collection string, hit vector.Result) Result {
	r := Result{
		ID:         hit.ID,
		Collection: collection,
		Score:      hit.Score,
		Metadata:   hit.Metadata,
	}
	if t, ok := hit.Metadata["type"].(string); ok {
		r.Type = t
	} else {
		r.Type = strings.TrimSuffix(collection, "s")
	}
	if title, ok := hit.Metadata["title"].(string); ok {
		r.Title = title
	} else {
		r.Title = hit.ID
	}
	r.Snippet = snippet(hit.Content, 160)
	return r
}

func snippet(content string, max int) string {
	content = strings.TrimSpace(content)
	if len(content) <= max {
		return content
	}
	cut := content[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
