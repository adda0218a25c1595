// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/breaker"
	"github.com/relaymesh/relay/pkg/collector"
	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/routing"
	"github.com/relaymesh/relay/pkg/session"
	"github.com/relaymesh/relay/pkg/tool"
)

// scriptedLLM returns canned responses in order and counts calls.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (string, []llms.ToolCall, int, *llms.ThinkingBlock, error) {
	resp := ""
	if s.calls < len(s.responses) {
		resp = s.responses[s.calls]
	}
	s.calls++
	return resp, nil, 0, nil, nil
}

func (s *scriptedLLM) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) GetModelName() string             { return "scripted" }
func (s *scriptedLLM) GetMaxTokens() int                { return 1024 }
func (s *scriptedLLM) GetTemperature() float64          { return 0 }
func (s *scriptedLLM) GetSupportedInputModes() []string { return []string{"text/plain"} }
func (s *scriptedLLM) Close() error                     { return nil }

// fakeCaller records forwarded chats and returns a canned response.
type fakeCaller struct {
	forwards []string // node slugs, in call order
	response ChatResponse
	err      error
}

func (f *fakeCaller) ForwardChat(ctx context.Context, node *registry.Node, req ChatRequest, headers http.Header) (*ChatResponse, error) {
	f.forwards = append(f.forwards, node.Slug)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.response
	return &resp, nil
}

// fakeSearcher returns fixed results.
type fakeSearcher struct {
	results []SearchResult
}

func (f *fakeSearcher) Search(ctx context.Context, query string, collections []string, limit int) ([]SearchResult, error) {
	return f.results, nil
}

type staticCatalog struct {
	cat routing.Catalog
}

func (s *staticCatalog) Catalog(ctx context.Context) routing.Catalog { return s.cat }

type fixture struct {
	llm        *scriptedLLM
	store      *session.MemoryStore
	caller     *fakeCaller
	nodes      *registry.Registry
	collectors *collector.Registry
	orch       *Orchestrator
}

func newFixture(t *testing.T, llmResponses []string, cat routing.Catalog) *fixture {
	t.Helper()

	llm := &scriptedLLM{responses: llmResponses}
	store := session.NewMemoryStore(time.Hour)
	t.Cleanup(store.Close)

	nodes := registry.NewRegistry(nil)
	_, err := nodes.Register(registry.Description{
		Slug:        "mail",
		DisplayName: "Mail service",
		BaseURL:     "http://mail.internal",
		Type:        registry.NodeChild,
		Capabilities: registry.Capabilities{
			Collections: []string{"emails"},
			DomainTags:  []string{"email"},
		},
	})
	require.NoError(t, err)

	collectors := collector.NewRegistry()
	require.NoError(t, collectors.Register(collector.Descriptor{
		Name: "create_invoice",
		Goal: "Create a new invoice",
		Fields: []collector.Field{
			{Name: "customer", Type: collector.TypeString, Required: true, Prompt: "Who is the invoice for?"},
			{Name: "items", Type: collector.TypeArray, Required: true, Prompt: "What items should be on it?"},
		},
	}, collector.CompleterFunc(func(ctx context.Context, sctx *session.Context, data map[string]any) (string, string, error) {
		return "inv-1", "Invoice inv-1 created.", nil
	})))

	collectorEngine := collector.NewEngine(llm, collectors, 0)
	caller := &fakeCaller{response: ChatResponse{Success: true, Response: "Here are your latest emails."}}

	policy := routing.NewRoutedSessionPolicy(llm, nodes, nil)
	engine := routing.NewEngine(llm, staticDigest("- mail: Mail service [domains: email] [collections: emails]\n"), policy, routing.Profile{})

	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.RegisterDefaults(Deps{
		LLM:             llm,
		Collectors:      collectors,
		CollectorEngine: collectorEngine,
		Tools:           tool.NewRegistry(nil),
		Nodes:           nodes,
		Caller:          caller,
		Searcher: &fakeSearcher{results: []SearchResult{
			{ID: "doc-1", Type: "document", Title: "Widgets 101"},
		}},
	}))

	orch := New(store, engine, handlers, &staticCatalog{cat: cat}, nil)
	return &fixture{llm: llm, store: store, caller: caller, nodes: nodes, collectors: collectors, orch: orch}
}

type staticDigest string

func (d staticDigest) RoutingDigest(ctx context.Context) (string, error) { return string(d), nil }

func loadSession(t *testing.T, f *fixture, id string) *session.Context {
	t.Helper()
	sctx, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	return sctx
}

func TestConversationalTurn(t *testing.T) {
	// S1: empty session, "hi" -> conversational, one user and one
	// assistant turn appended, no workflow stack change.
	f := newFixture(t, []string{
		"ACTION: conversational\nRESOURCE: none\nREASON: greeting",
		"Hello! How can I help?",
	}, routing.Catalog{})

	resp, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", resp.Text)
	assert.Equal(t, "conversational", resp.Metadata.AgentStrategy)
	assert.False(t, resp.Metadata.WorkflowActive)

	sctx := loadSession(t, f, "s1")
	require.Len(t, sctx.Log, 2)
	assert.Equal(t, session.RoleUser, sctx.Log[0].Role)
	assert.Equal(t, session.RoleAssistant, sctx.Log[1].Role)
	assert.Empty(t, sctx.WorkflowStack)
}

func TestLogGrowsByTwoTurnsEvenOnHandlerFailure(t *testing.T) {
	// Property 1: the conversation log grows by exactly one user and one
	// assistant turn regardless of success or failure.
	f := newFixture(t, []string{
		"ACTION: use_tool\nRESOURCE: no_such_tool\nREASON: misguided",
	}, routing.Catalog{})

	resp, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "run the thing"})
	require.NoError(t, err, "handler failures degrade to a conversational response")
	assert.NotEmpty(t, resp.Text)

	sctx := loadSession(t, f, "s1")
	assert.Len(t, sctx.Log, 2)
}

func TestStartCollectorAndConfirm(t *testing.T) {
	// S2 + S3 end to end through the orchestrator.
	f := newFixture(t, []string{
		"ACTION: start_collector\nRESOURCE: create_invoice\nREASON: user wants an invoice",
		`{"customer": "Acme", "items": [{"name": "widgets", "qty": 2, "price": 50}]}`,
	}, routing.Catalog{Collectors: []routing.CollectorSummary{{Name: "create_invoice", Goal: "Create a new invoice"}}})

	resp, err := f.orch.HandleMessage(context.Background(), &Request{
		SessionID: "s1",
		Message:   "create an invoice for Acme for 2 widgets at $50",
	})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.WorkflowActive)
	assert.Equal(t, "create_invoice", resp.Metadata.WorkflowClass)

	sctx := loadSession(t, f, "s1")
	require.NotNil(t, sctx.ActiveCollector)
	assert.Equal(t, session.CollectorAwaitingConfirmation, sctx.ActiveCollector.State)
	assert.Equal(t, "Acme", sctx.CollectedData["customer"])

	// "yes": the fast path picks continue_collector without an LLM
	// routing call; the affirmative completes the collector.
	callsBefore := f.llm.calls
	resp, err = f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "yes"})
	require.NoError(t, err)

	assert.True(t, resp.Metadata.WorkflowCompleted)
	assert.Contains(t, resp.Text, "inv-1")
	assert.Equal(t, []string{"inv-1"}, resp.Metadata.EntityIDs)
	assert.Equal(t, callsBefore, f.llm.calls, "confirmation is handled without any LLM call")

	sctx = loadSession(t, f, "s1")
	assert.Nil(t, sctx.ActiveCollector)
	require.Len(t, sctx.Log, 4)
}

func TestRouteToRemoteNode(t *testing.T) {
	// S4: the decision engine picks route_to_node and the session gains a
	// routed-node descriptor.
	f := newFixture(t, []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
	}, routing.Catalog{Collections: []string{"emails"}})

	resp, err := f.orch.HandleMessage(context.Background(), &Request{
		SessionID: "s1",
		Message:   "show me my latest emails",
	})
	require.NoError(t, err)
	assert.Equal(t, "Here are your latest emails.", resp.Text)
	assert.Equal(t, []string{"mail"}, f.caller.forwards)

	sctx := loadSession(t, f, "s1")
	require.NotNil(t, sctx.RoutedNode)
	assert.Equal(t, "mail", sctx.RoutedNode.Slug)
}

func TestShortFollowUpStaysRoutedWithoutReclassification(t *testing.T) {
	// S5: "1" on a routed session forwards again without any LLM call.
	f := newFixture(t, []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
	}, routing.Catalog{Collections: []string{"emails"}})

	_, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "show me my latest emails"})
	require.NoError(t, err)

	callsBefore := f.llm.calls
	_, err = f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"mail", "mail"}, f.caller.forwards)
	assert.Equal(t, callsBefore, f.llm.calls, "no re-classification call for short follow-ups")
}

func TestTopicShiftBreaksRouting(t *testing.T) {
	// S6: a message naming a collection the routed node does not declare
	// forces local handling, and the routed-node descriptor is cleared
	// before dispatch.
	f := newFixture(t, []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
		"ACTION: search_knowledge\nRESOURCE: invoices\nREASON: local data question",
	}, routing.Catalog{Collections: []string{"emails", "invoices"}})

	_, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "show me my latest emails"})
	require.NoError(t, err)

	resp, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "how many invoices do I have"})
	require.NoError(t, err)

	assert.Equal(t, "search_knowledge", resp.Metadata.AgentStrategy)
	assert.Equal(t, []string{"mail"}, f.caller.forwards, "topic-shifted message is not forwarded")

	sctx := loadSession(t, f, "s1")
	assert.Nil(t, sctx.RoutedNode, "routed-node descriptor cleared on topic shift")
}

func TestPositionalReferenceResolution(t *testing.T) {
	// Property 8: "2" against entity ids [A,B,C] selects B and records a
	// selected-entity context of the list's type.
	f := newFixture(t, []string{
		"ACTION: search_knowledge\nRESOURCE: none\nREASON: query",
	}, routing.Catalog{})

	// Seed a session whose last assistant turn presented a list.
	sctx := session.NewContext("s1", "")
	sctx.AppendUser("show invoices", nil)
	sctx.AppendAssistant("1. A\n2. B\n3. C", nil)
	sctx.LastEntityList = &session.EntityList{Type: "invoice", IDs: []string{"A", "B", "C"}}
	require.NoError(t, f.store.Save(context.Background(), sctx))

	resp, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "2"})
	require.NoError(t, err)

	assert.Equal(t, "resolve_positional_reference", resp.Metadata.AgentStrategy)
	assert.Equal(t, []string{"B"}, resp.Metadata.EntityIDs)
	assert.Equal(t, "invoice", resp.Metadata.EntityType)

	sctx = loadSession(t, f, "s1")
	id, _ := sctx.Get("selected_entity_id")
	entityType, _ := sctx.Get("selected_entity_type")
	assert.Equal(t, "B", id)
	assert.Equal(t, "invoice", entityType)
}

func TestNodeUnavailableSurfacesNamedNotice(t *testing.T) {
	f := newFixture(t, []string{
		"ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain",
	}, routing.Catalog{})
	f.caller.err = breaker.ErrNodeUnavailable

	resp, err := f.orch.HandleMessage(context.Background(), &Request{SessionID: "s1", Message: "show me my latest emails"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "mail", "the unreachable node is named to the user")

	sctx := loadSession(t, f, "s1")
	assert.Len(t, sctx.Log, 2)
	assert.Nil(t, sctx.RoutedNode, "failed forward does not pin the session")
}
