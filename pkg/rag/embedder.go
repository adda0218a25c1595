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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/relaymesh/relay/pkg/config"
	"github.com/relaymesh/relay/pkg/httpclient"
)

// ollamaEmbedMu serializes Ollama embedding requests; the llama runner
// aborts on concurrent embedding calls.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder embeds text through a local Ollama server.
type OllamaEmbedder struct {
	model     string
	host      string
	dimension int
	client    *httpclient.Client
}

// NewOllamaEmbedder creates an embedder from configuration.
func NewOllamaEmbedder(cfg *config.EmbedderConfig) *OllamaEmbedder {
	return &OllamaEmbedder{
		model:     cfg.Model,
		host:      cfg.Host,
		dimension: cfg.Dimension,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Embed converts text to a vector embedding.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(map[string]string{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &EmbedError{Provider: "ollama", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &EmbedError{Provider: "ollama", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)}
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EmbedError{Provider: "ollama", Err: err}
	}
	if len(out.Embedding) == 0 {
		return nil, &EmbedError{Provider: "ollama", Err: fmt.Errorf("empty embedding")}
	}
	return out.Embedding, nil
}

// OpenAIEmbedder embeds text through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	model     string
	host      string
	apiKey    string
	dimension int
	client    *httpclient.Client
}

// NewOpenAIEmbedder creates an embedder from configuration.
func NewOpenAIEmbedder(cfg *config.EmbedderConfig) *OpenAIEmbedder {
	host := cfg.Host
	if host == "" || host == "http://localhost:11434" {
		host = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		model:     cfg.Model,
		host:      host,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Embed converts text to a vector embedding.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &EmbedError{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &EmbedError{Provider: "openai", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)}
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EmbedError{Provider: "openai", Err: err}
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, &EmbedError{Provider: "openai", Err: fmt.Errorf("empty embedding")}
	}
	return out.Data[0].Embedding, nil
}

// NewEmbedderFromConfig selects the embedder implementation by provider.
func NewEmbedderFromConfig(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEmbedder(cfg), nil
	case "openai":
		return NewOpenAIEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("rag: unsupported embedder provider %q", cfg.Provider)
	}
}
