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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/collector"
	"github.com/relaymesh/relay/pkg/discovery"
	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/orchestrator"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/routing"
	"github.com/relaymesh/relay/pkg/session"
	"github.com/relaymesh/relay/pkg/tool"
)

// cannedLLM always answers conversationally.
type cannedLLM struct{}

func (cannedLLM) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (string, []llms.ToolCall, int, *llms.ThinkingBlock, error) {
	if strings.Contains(messages[0].Content, "exactly three lines") {
		return "ACTION: conversational\nRESOURCE: none\nREASON: chat", nil, 0, nil, nil
	}
	return "Hello there!", nil, 0, nil, nil
}

func (cannedLLM) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (cannedLLM) GetModelName() string             { return "canned" }
func (cannedLLM) GetMaxTokens() int                { return 1024 }
func (cannedLLM) GetTemperature() float64          { return 0 }
func (cannedLLM) GetSupportedInputModes() []string { return []string{"text/plain"} }
func (cannedLLM) Close() error                     { return nil }

type nopFetcher struct{}

func (nopFetcher) FetchCapabilities(ctx context.Context, node *registry.Node) (discovery.NodeSummary, error) {
	return discovery.NodeSummary{Slug: node.Slug}, nil
}

// echoTool is a local tool for /execute tests.
type echoTool struct{}

func (echoTool) Name() string           { return "echo" }
func (echoTool) Description() string    { return "echoes" }
func (echoTool) Schema() map[string]any { return nil }
func (echoTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["text"]}, nil
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()

	llm := cannedLLM{}
	sessions := session.NewMemoryStore(time.Hour)
	t.Cleanup(sessions.Close)

	nodes := registry.NewRegistry(nil)
	tools := tool.NewRegistry(nil)
	tools.RegisterLocal("demo", echoTool{})
	collectors := collector.NewRegistry()
	collectorEngine := collector.NewEngine(llm, collectors, 0)

	disc := discovery.New(nodes, nopFetcher{}, time.Minute, discovery.NodeSummary{
		Slug:        "master",
		Description: "Master node",
		Collections: []string{"documents"},
	}, 0)

	engine := routing.NewEngine(llm, disc, nil, routing.Profile{})

	handlers := orchestrator.NewHandlerRegistry()
	require.NoError(t, handlers.RegisterDefaults(orchestrator.Deps{
		LLM:             llm,
		Collectors:      collectors,
		CollectorEngine: collectorEngine,
		Tools:           tools,
		Nodes:           nodes,
		Caller:          nil,
	}))

	catalog := &catalogProvider{collectors: collectors, tools: tools, disc: disc}
	orch := orchestrator.New(sessions, engine, handlers, catalog, nil)

	return &Handlers{
		Orchestrator: orch,
		Nodes:        nodes,
		Discovery:    disc,
		Tools:        tools,
		Collectors:   collectors,
		Creds:        newCredentialStore(time.Hour),
		NodeSlug:     "master",
		NodeRole:     "master",
		Version:      "test",
		Collections:  []string{"documents"},
	}
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "master", out["node"])
}

func TestChatEndpoint(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodPost, "/chat", `{"message": "hi", "session_id": "s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out orchestrator.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Success)
	assert.Equal(t, "Hello there!", out.Response)
	assert.Equal(t, "conversational", out.Metadata.AgentStrategy)
}

func TestChatRejectsUnknownOptionKeys(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodPost, "/chat",
		`{"message": "hi", "session_id": "s1", "options": {"engine": "x", "bogus": true}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRequiresMessageAndSession(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodPost, "/chat", `{"message": "hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterIssuesCredentialsAndRefreshWorks(t *testing.T) {
	h := newTestHandlers(t)
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodPost, "/register",
		`{"slug": "mail", "base_url": "http://mail.internal", "collections": ["emails"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.AccessToken)

	slug, ok := h.Creds.Validate(out.AccessToken)
	require.True(t, ok)
	assert.Equal(t, "mail", slug)

	// Re-registration rotates the credential pair.
	rec = doJSON(t, router, http.MethodPost, "/register",
		`{"slug": "mail", "base_url": "http://mail.internal", "collections": ["emails"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = h.Creds.Validate(out.AccessToken)
	assert.False(t, ok, "old access token is revoked on re-registration")

	// Refresh exchanges the refresh token for a new access token.
	var out2 struct {
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out2))

	rec = doJSON(t, router, http.MethodPost, "/auth/refresh",
		`{"refresh_token": "`+out2.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/auth/refresh", `{"refresh_token": "bogus"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecuteEndpointRunsLocalTool(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodPost, "/execute",
		`{"tool": "echo", "args": {"text": "ping"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Success bool           `json:"success"`
		Result  map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Success)
	assert.Equal(t, "ping", out.Result["echo"])
}

func TestExecuteUnknownToolIsUnprocessable(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodPost, "/execute", `{"tool": "missing"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCollectionsEndpoint(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodGet, "/collections", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Collections []string `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.Collections, "documents")
}

func TestDashboardEndpoint(t *testing.T) {
	h := newTestHandlers(t)
	_, err := h.Nodes.Register(registry.Description{Slug: "mail", BaseURL: "http://mail.internal"})
	require.NoError(t, err)
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Fleet map[string]any   `json:"fleet"`
		Nodes []map[string]any `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 1, out.Fleet["total"])
	require.Len(t, out.Nodes, 1)
	assert.Equal(t, "mail", out.Nodes[0]["slug"])
}

func TestSearchWithoutBackendIsNotImplemented(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	rec := doJSON(t, router, http.MethodPost, "/search", `{"query": "hello"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
