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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaymesh/relay/pkg/breaker"
	"github.com/relaymesh/relay/pkg/collector"
	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/routing"
	"github.com/relaymesh/relay/pkg/session"
	"github.com/relaymesh/relay/pkg/tool"
)

// HandlerRequest is the per-dispatch input a handler receives.
type HandlerRequest struct {
	Message  string
	Session  *session.Context
	Decision routing.Decision
	Headers  http.Header
	Options  RequestOptions
}

// ResultKind tags a handler's outcome, replacing exception-driven control
// flow with an explicit variant.
type ResultKind int

const (
	Success ResultKind = iota
	NeedsUserInput
	Failure
)

// HandlerResult is the tagged result every handler returns.
type HandlerResult struct {
	Kind ResultKind
	Text string
	Data map[string]any

	EntityIDs         []string
	EntityType        string
	WorkflowCompleted bool
}

// Handler executes one routing action.
type Handler interface {
	Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *HandlerRequest) (HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	return f(ctx, req)
}

// HandlerRegistry maps routing actions to handler implementations (C11).
type HandlerRegistry struct {
	*registry.BaseRegistry[Handler]
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{BaseRegistry: registry.NewBaseRegistry[Handler]()}
}

// NodeCaller forwards a chat turn to a peer node. Implemented on top of
// the transport client; narrow so tests can substitute a fake.
type NodeCaller interface {
	ForwardChat(ctx context.Context, node *registry.Node, req ChatRequest, headers http.Header) (*ChatResponse, error)
}

// SearchResult is one hit from the knowledge searcher.
type SearchResult struct {
	ID      string
	Type    string
	Title   string
	Snippet string
	Score   float64
}

// Searcher is the narrow interface to the RAG subsystem.
type Searcher interface {
	Search(ctx context.Context, query string, collections []string, limit int) ([]SearchResult, error)
}

// Deps bundles the collaborators the built-in handlers need.
type Deps struct {
	LLM             llms.LLMProvider
	Collectors      *collector.Registry
	CollectorEngine *collector.Engine
	Tools           *tool.Registry
	Nodes           *registry.Registry
	Caller          NodeCaller
	Searcher        Searcher
}

// RegisterDefaults wires the built-in handler for every routing action.
func (r *HandlerRegistry) RegisterDefaults(d Deps) error {
	route := &RouteToNodeHandler{Nodes: d.Nodes, Caller: d.Caller}
	search := &SearchKnowledgeHandler{Searcher: d.Searcher, LLM: d.LLM}

	handlers := map[routing.Action]Handler{
		routing.ActionConversational:    &ConversationalHandler{LLM: d.LLM},
		routing.ActionSearchKnowledge:   search,
		routing.ActionStartCollector:    &StartCollectorHandler{Engine: d.CollectorEngine, Collectors: d.Collectors, Route: route},
		routing.ActionContinueCollector: &ContinueCollectorHandler{Engine: d.CollectorEngine},
		routing.ActionUseTool:           &UseToolHandler{Tools: d.Tools, LLM: d.LLM},
		routing.ActionRouteToNode:       route,
		routing.ActionResumeSession:     &ResumeSessionHandler{Engine: d.CollectorEngine},
		routing.ActionPauseAndHandle:    &PauseAndHandleHandler{Inner: search},
		routing.ActionResolvePositional: &ResolvePositionalHandler{},
		routing.ActionSelectOption:      &SelectOptionHandler{},
	}
	for action, h := range handlers {
		if err := r.Register(string(action), h); err != nil {
			return err
		}
	}
	return nil
}

// ConversationalHandler replies directly from the conversation history.
type ConversationalHandler struct {
	LLM llms.LLMProvider
}

func (h *ConversationalHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	notice := ""
	if v, ok := req.Session.Get("routing_notice"); ok {
		notice, _ = v.(string)
		req.Session.Forget("routing_notice")
	}

	var b strings.Builder
	b.WriteString("You are a helpful assistant. Reply to the user's latest message ")
	b.WriteString("using the conversation so far. Be concise.\n\n")
	for _, t := range lastTurns(req.Session, 8) {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}

	text, _, _, _, err := h.LLM.Generate(ctx, []llms.Message{
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return HandlerResult{}, err
	}
	if notice != "" {
		text = notice + "\n\n" + text
	}
	return HandlerResult{Kind: Success, Text: text}, nil
}

// SearchKnowledgeHandler answers via vector search over the declared
// collections, recording the presented entity list for later positional
// references.
type SearchKnowledgeHandler struct {
	Searcher Searcher
	LLM      llms.LLMProvider
}

func (h *SearchKnowledgeHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	if h.Searcher == nil {
		// No search backend on this node: degrade to conversational.
		conv := &ConversationalHandler{LLM: h.LLM}
		return conv.Handle(ctx, req)
	}

	collections := req.Options.RAGCollections
	if req.Decision.Resource != "" {
		collections = append(collections, req.Decision.Resource)
	}

	results, err := h.Searcher.Search(ctx, req.Message, collections, 5)
	if err != nil {
		return HandlerResult{}, err
	}
	if len(results) == 0 {
		return HandlerResult{Kind: Success, Text: "I couldn't find anything matching that."}, nil
	}

	var b strings.Builder
	b.WriteString("Here's what I found:\n")
	ids := make([]string, 0, len(results))
	entityType := results[0].Type
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.Snippet != "" {
			fmt.Fprintf(&b, " — %s", r.Snippet)
		}
		b.WriteString("\n")
		ids = append(ids, r.ID)
	}

	return HandlerResult{
		Kind:       Success,
		Text:       strings.TrimRight(b.String(), "\n"),
		EntityIDs:  ids,
		EntityType: entityType,
	}, nil
}

// StartCollectorHandler starts a local collector, or routes the whole
// conversation to the owning node when the collector is remote.
type StartCollectorHandler struct {
	Engine     *collector.Engine
	Collectors *collector.Registry
	Route      *RouteToNodeHandler
}

func (h *StartCollectorHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	name := req.Decision.Resource
	d, ok := h.Collectors.Get(name)
	if !ok {
		return HandlerResult{}, NewError(KindValidation, fmt.Errorf("unknown collector %q", name))
	}

	if d.NodeSlug != "" {
		req.Decision.Resource = d.NodeSlug
		return h.Route.Handle(ctx, req)
	}

	res, err := h.Engine.Start(ctx, req.Session, name, req.Message)
	if err != nil {
		return HandlerResult{}, err
	}
	return fromCollectorResult(res), nil
}

// ContinueCollectorHandler advances the session's active collector.
type ContinueCollectorHandler struct {
	Engine *collector.Engine
}

func (h *ContinueCollectorHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	res, err := h.Engine.Continue(ctx, req.Session, req.Message)
	if err != nil {
		return HandlerResult{}, err
	}
	return fromCollectorResult(res), nil
}

// ResumeSessionHandler reactivates the most recently paused workflow.
type ResumeSessionHandler struct {
	Engine *collector.Engine
}

func (h *ResumeSessionHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	res, err := h.Engine.Resume(ctx, req.Session)
	if err != nil {
		return HandlerResult{}, err
	}
	return fromCollectorResult(res), nil
}

// PauseAndHandleHandler suspends the active collector onto the workflow
// stack, handles the interjection with the inner handler, and reminds the
// user what was paused.
type PauseAndHandleHandler struct {
	Inner Handler
}

func (h *PauseAndHandleHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	paused := ""
	if ac := req.Session.ActiveCollector; ac != nil {
		snapshot := make(map[string]any, len(req.Session.CollectedData))
		for k, v := range req.Session.CollectedData {
			snapshot[k] = v
		}
		req.Session.PushFrame(session.WorkflowFrame{
			Workflow:      ac.Name,
			Step:          ac.AskingFor,
			CollectedData: snapshot,
			ParentStep:    ac.AskingFor,
		})
		paused = ac.Name
		req.Session.ActiveCollector = nil
		req.Session.CollectedData = make(map[string]any)
	}

	res, err := h.Inner.Handle(ctx, req)
	if err != nil {
		return res, err
	}
	if paused != "" {
		res.Text += fmt.Sprintf("\n\nWe can pick up %s where we left off whenever you're ready.", strings.ReplaceAll(paused, "_", " "))
	}
	return res, nil
}

// UseToolHandler extracts parameters from the message and dispatches the
// tool through the unified registry.
type UseToolHandler struct {
	Tools *tool.Registry
	LLM   llms.LLMProvider
}

func (h *UseToolHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	name := req.Decision.Resource
	desc, ok := h.Tools.Get(name)
	if !ok {
		return HandlerResult{}, NewError(KindValidation, fmt.Errorf("unknown tool %q", name))
	}

	args, err := h.extractParams(ctx, desc, req.Message)
	if err != nil {
		return HandlerResult{}, err
	}
	if err := validateParams(desc.Schema, args); err != nil {
		return HandlerResult{}, NewError(KindValidation, err)
	}

	tctx := tool.NewContext(ctx, req.Session.SessionID, req.Session.CallerID)
	result, err := h.Tools.Invoke(tctx, name, args)
	if err != nil {
		return HandlerResult{}, err
	}

	return HandlerResult{Kind: Success, Text: renderToolResult(name, result), Data: result}, nil
}

// extractParams asks the LLM to pull the tool's parameters out of the
// free-text message as strict JSON.
func (h *UseToolHandler) extractParams(ctx context.Context, desc tool.Descriptor, msg string) (map[string]any, error) {
	if desc.Schema == nil {
		return map[string]any{}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Extract the parameters for the %q tool from the user's message.\n\n", desc.Name)
	b.WriteString("Expected parameters:\n")
	if props, ok := desc.Schema["properties"].(map[string]any); ok {
		for pname, raw := range props {
			ptype := "string"
			if p, ok := raw.(map[string]any); ok {
				if t, ok := p["type"].(string); ok {
					ptype = t
				}
			}
			fmt.Fprintf(&b, "- %s (%s)\n", pname, ptype)
		}
	}
	fmt.Fprintf(&b, "\nMessage: %s\n\n", msg)
	b.WriteString("Return ONLY a JSON object with the parameters present in the message. No prose.\n")

	text, _, _, _, err := h.LLM.Generate(ctx, []llms.Message{
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(text), "```json"), "```"), "```"))
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil, NewError(KindExtraction, fmt.Errorf("parameter extraction returned non-JSON output"))
	}
	return args, nil
}

// validateParams checks required parameters against the tool's schema.
func validateParams(schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	required, _ := schema["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if v, present := args[name]; !present || v == nil {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}
	return nil
}

func renderToolResult(name string, result map[string]any) string {
	if msg, ok := result["message"].(string); ok && msg != "" {
		return msg
	}
	if enc, err := json.Marshal(result); err == nil {
		return fmt.Sprintf("%s returned: %s", name, enc)
	}
	return fmt.Sprintf("%s completed.", name)
}

// RouteToNodeHandler forwards the conversation turn to a peer node and
// pins the session to it.
type RouteToNodeHandler struct {
	Nodes  *registry.Registry
	Caller NodeCaller
}

func (h *RouteToNodeHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	node, ok := h.resolve(req)
	if !ok {
		return HandlerResult{}, NewError(KindValidation, fmt.Errorf("unknown node %q", req.Decision.Resource))
	}

	resp, err := h.Caller.ForwardChat(ctx, node, ChatRequest{
		Message:   req.Message,
		SessionID: req.Session.SessionID,
		UserID:    req.Session.CallerID,
		Options:   &req.Options,
	}, req.Headers)
	if err != nil {
		if errors.Is(err, breaker.ErrNodeUnavailable) {
			// No automatic local fallback: the decision explicitly chose
			// this node, and mixing domains would confuse the user.
			return HandlerResult{}, NewError(KindNodeUnavailable, err)
		}
		return HandlerResult{}, NewError(KindTransientPeer, err)
	}

	req.Session.RoutedNode = &session.RoutedNode{
		Slug:  node.Slug,
		Since: time.Now(),
	}

	return HandlerResult{
		Kind:              Success,
		Text:              resp.Response,
		EntityIDs:         resp.Metadata.EntityIDs,
		EntityType:        resp.Metadata.EntityType,
		WorkflowCompleted: resp.Metadata.WorkflowCompleted,
	}, nil
}

// resolve maps the decision resource to a node: slug first, then
// collection ownership. The node already in the session's routing memory
// wins ties; otherwise the registry picks the least-loaded match.
func (h *RouteToNodeHandler) resolve(req *HandlerRequest) (*registry.Node, bool) {
	resource := req.Decision.Resource
	if n, ok := h.Nodes.GetBySlug(resource); ok {
		return n, true
	}
	if routed := req.Session.RoutedNode; routed != nil {
		if n, ok := h.Nodes.GetBySlug(routed.Slug); ok && ownsCollection(n, resource) {
			return n, true
		}
	}
	return h.Nodes.FindForCollection(resource)
}

func ownsCollection(n *registry.Node, name string) bool {
	for _, c := range n.Capabilities.Collections {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// ResolvePositionalHandler turns a positional reference into a selected
// entity the next step can consume.
type ResolvePositionalHandler struct{}

func (h *ResolvePositionalHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	id := req.Decision.SelectedEntityID
	entityType := req.Decision.SelectedEntityType
	if id == "" {
		return HandlerResult{}, NewError(KindValidation, fmt.Errorf("no entity selected"))
	}

	req.Session.Set("selected_entity_id", id)
	req.Session.Set("selected_entity_type", entityType)

	return HandlerResult{
		Kind:       Success,
		Text:       fmt.Sprintf("Got it — you mean the %s %s. What would you like to do with it?", entityType, id),
		EntityIDs:  []string{id},
		EntityType: entityType,
	}, nil
}

// SelectOptionHandler records a numeric selection from the last assistant
// turn's option menu under its topic.
type SelectOptionHandler struct{}

func (h *SelectOptionHandler) Handle(ctx context.Context, req *HandlerRequest) (HandlerResult, error) {
	topic := req.Decision.Resource
	choice := strings.TrimSpace(req.Message)
	req.Session.Set("selected_option."+topic, choice)
	return HandlerResult{
		Kind: Success,
		Text: fmt.Sprintf("Option %s it is.", choice),
	}, nil
}

// fromCollectorResult maps the collector engine's tagged result onto the
// handler variant.
func fromCollectorResult(res collector.Result) HandlerResult {
	out := HandlerResult{Text: res.Text, Data: res.Data}
	switch res.Kind {
	case collector.NeedsInput:
		out.Kind = NeedsUserInput
	case collector.Completed:
		out.Kind = Success
		out.WorkflowCompleted = true
		if res.EntityID != "" {
			out.EntityIDs = []string{res.EntityID}
		}
	case collector.Cancelled:
		out.Kind = Success
	case collector.Failed:
		out.Kind = Failure
	}
	return out
}

func lastTurns(sctx *session.Context, n int) []session.Turn {
	log := sctx.Log
	if len(log) > n {
		log = log[len(log)-n:]
	}
	return log
}
