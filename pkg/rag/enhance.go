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

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaymesh/relay/pkg/llms"
)

// HyDE implements Hypothetical Document Embeddings: instead of embedding
// the question, embed a hypothetical answer to it. Short factual queries
// often sit far from their answers in embedding space; a synthesized
// answer lands much closer.
type HyDE struct {
	llm llms.LLMProvider
}

// NewHyDE creates a HyDE enhancer.
func NewHyDE(llm llms.LLMProvider) *HyDE {
	return &HyDE{llm: llm}
}

// Expand returns the hypothetical document to embed in place of the
// query. On LLM failure the raw query is returned so search degrades
// rather than fails.
func (h *HyDE) Expand(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(
		"Write a short, factual paragraph that would answer the question below. "+
			"Write only the paragraph, no preamble.\n\nQuestion: %s", query)

	text, _, _, _, err := h.llm.Generate(ctx, []llms.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil || strings.TrimSpace(text) == "" {
		return []string{query}, nil
	}
	return []string{strings.TrimSpace(text)}, nil
}

// MultiQuery expands one query into several phrasings and searches them
// all, improving recall for ambiguous questions.
type MultiQuery struct {
	llm llms.LLMProvider

	// Variants is how many rephrasings to request. Default 3.
	Variants int
}

// NewMultiQuery creates a multi-query enhancer.
func NewMultiQuery(llm llms.LLMProvider) *MultiQuery {
	return &MultiQuery{llm: llm, Variants: 3}
}

// Expand returns the original query plus up to Variants rephrasings, one
// per line of the model's output.
func (m *MultiQuery) Expand(ctx context.Context, query string) ([]string, error) {
	n := m.Variants
	if n <= 0 {
		n = 3
	}

	prompt := fmt.Sprintf(
		"Rephrase the search query below in %d different ways, one per line. "+
			"Keep each rephrasing short. Output only the rephrasings.\n\nQuery: %s", n, query)

	text, _, _, _, err := m.llm.Generate(ctx, []llms.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return []string{query}, nil
	}

	out := []string{query}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-•0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) > n {
			break
		}
	}
	return out, nil
}
