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

// Package orchestrator is the top-level per-message driver (C10): it loads
// the session context, appends the user turn, asks the decision engine
// what to do, dispatches through the handler registry (C11), appends the
// assistant turn, and persists the context — exactly once per request.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/relaymesh/relay/pkg/routing"
	"github.com/relaymesh/relay/pkg/session"
)

// RequestOptions is the explicit per-request option record carried in the
// /chat body. Unknown keys are rejected at the HTTP boundary.
type RequestOptions struct {
	Engine         string   `json:"engine,omitempty"`
	Model          string   `json:"model,omitempty"`
	UseMemory      *bool    `json:"use_memory,omitempty"`
	UseActions     *bool    `json:"use_actions,omitempty"`
	UseRAG         *bool    `json:"use_rag,omitempty"`
	RAGCollections []string `json:"rag_collections,omitempty"`
}

// Request is one inbound user message.
type Request struct {
	SessionID string
	CallerID  string
	Message   string
	Headers   http.Header
	Options   RequestOptions
}

// Metadata is the structured response envelope accompanying the
// assistant's text.
type Metadata struct {
	WorkflowActive    bool     `json:"workflow_active"`
	WorkflowClass     string   `json:"workflow_class,omitempty"`
	WorkflowCompleted bool     `json:"workflow_completed"`
	AgentStrategy     string   `json:"agent_strategy"`
	EntityIDs         []string `json:"entity_ids,omitempty"`
	EntityType        string   `json:"entity_type,omitempty"`
}

// Response is the outbound result of one request.
type Response struct {
	Text     string
	Metadata Metadata
}

// CatalogProvider supplies the discovered resource catalog to the
// decision engine. Implemented by the discovery layer.
type CatalogProvider interface {
	Catalog(ctx context.Context) routing.Catalog
}

// Orchestrator composes C1–C9 per request.
type Orchestrator struct {
	store    session.Store
	locks    *session.Locks
	engine   *routing.Engine
	handlers *HandlerRegistry
	catalog  CatalogProvider
	logger   *slog.Logger
}

// New creates an Orchestrator. All collaborators are constructor
// arguments; there is no service locator.
func New(store session.Store, engine *routing.Engine, handlers *HandlerRegistry, catalog CatalogProvider, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		locks:    session.NewLocks(),
		engine:   engine,
		handlers: handlers,
		catalog:  catalog,
		logger:   logger,
	}
}

// HandleMessage processes one user message end to end.
//
// Per-session work is serialized by a per-session mutex; cross-session
// requests proceed in parallel. Whatever happens inside decide/execute,
// the conversation log grows by exactly one user turn and one assistant
// turn, and only a context-store failure propagates as an error.
func (o *Orchestrator) HandleMessage(ctx context.Context, req *Request) (*Response, error) {
	unlock := o.locks.Lock(req.SessionID)
	defer unlock()

	sctx, err := session.LoadOrNew(ctx, o.store, req.SessionID, req.CallerID)
	if err != nil {
		return nil, NewError(KindContextStore, err)
	}

	sctx.AppendUser(req.Message, nil)

	var cat routing.Catalog
	if o.catalog != nil {
		cat = o.catalog.Catalog(ctx)
	}

	decision, err := o.engine.Decide(ctx, req.Message, sctx, cat)
	if err != nil {
		// A failed classification is not fatal: degrade to a plain
		// conversational turn rather than dropping the message.
		o.logger.Warn("routing decision failed",
			"session_id", req.SessionID,
			"error", err,
			"message_preview", preview(req.Message))
		decision = routing.Decision{Action: routing.ActionConversational, Reason: "decision engine unavailable"}
	}

	o.logger.Info("routing decision",
		"session_id", req.SessionID,
		"action", string(decision.Action),
		"resource", decision.Resource,
		"fast_path", decision.FastPath,
		"message_preview", preview(req.Message))

	result := o.execute(ctx, sctx, req, decision)

	meta := o.buildMetadata(sctx, decision, result)
	sctx.AppendAssistant(result.Text, map[string]any{
		"agent_strategy": string(decision.Action),
	})
	if len(result.EntityIDs) > 0 {
		sctx.LastEntityList = &session.EntityList{
			Type: result.EntityType,
			IDs:  result.EntityIDs,
			End:  len(result.EntityIDs),
		}
	}

	if err := o.store.Save(ctx, sctx); err != nil {
		return nil, NewError(KindContextStore, err)
	}

	return &Response{Text: result.Text, Metadata: meta}, nil
}

// execute dispatches the decision through the handler registry, converting
// handler-level failures into a conversational response with a user-safe
// diagnostic. Only context-store errors escape HandleMessage.
func (o *Orchestrator) execute(ctx context.Context, sctx *session.Context, req *Request, decision routing.Decision) HandlerResult {
	h, ok := o.handlers.Get(string(decision.Action))
	if !ok {
		o.logger.Warn("no handler for action", "action", string(decision.Action))
		return HandlerResult{
			Kind: Failure,
			Text: "I'm not sure how to help with that right now.",
		}
	}

	result, err := h.Handle(ctx, &HandlerRequest{
		Message:  req.Message,
		Session:  sctx,
		Decision: decision,
		Headers:  req.Headers,
		Options:  req.Options,
	})
	if err != nil {
		o.logger.Error("handler failed",
			"session_id", req.SessionID,
			"action", string(decision.Action),
			"resource", decision.Resource,
			"kind", KindOf(err).String(),
			"error", err,
			"message_preview", preview(req.Message))
		return HandlerResult{
			Kind: Failure,
			Text: userSafeText(err, decision),
		}
	}
	return result
}

func (o *Orchestrator) buildMetadata(sctx *session.Context, decision routing.Decision, result HandlerResult) Metadata {
	meta := Metadata{
		AgentStrategy:     string(decision.Action),
		WorkflowCompleted: result.WorkflowCompleted,
		EntityIDs:         result.EntityIDs,
		EntityType:        result.EntityType,
	}
	if sctx.ActiveCollector != nil {
		meta.WorkflowActive = true
		meta.WorkflowClass = sctx.ActiveCollector.Name
	}
	return meta
}

// userSafeText maps a classified handler error to the text shown to the
// user. Node names are included for unreachable peers; internals are not.
func userSafeText(err error, decision routing.Decision) string {
	switch KindOf(err) {
	case KindNodeUnavailable:
		return fmt.Sprintf("The %s service is currently unreachable. Please try again shortly.", decision.Resource)
	case KindValidation:
		return fmt.Sprintf("That request wasn't valid: %v", err)
	case KindAuth:
		return "I wasn't able to authenticate with the service handling that request."
	case KindStepLoop:
		return "Something went wrong with that workflow and I've stopped it. Please start over."
	default:
		return "Something went wrong handling that. Please try again."
	}
}

// preview truncates a message for log lines.
func preview(msg string) string {
	const max = 80
	if len(msg) <= max {
		return msg
	}
	return msg[:max] + "…"
}
