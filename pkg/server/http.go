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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/relaymesh/relay/pkg/auth"
	"github.com/relaymesh/relay/pkg/breaker"
	"github.com/relaymesh/relay/pkg/collector"
	"github.com/relaymesh/relay/pkg/discovery"
	"github.com/relaymesh/relay/pkg/observability"
	"github.com/relaymesh/relay/pkg/orchestrator"
	"github.com/relaymesh/relay/pkg/ratelimit"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/tool"
)

// Aggregator answers /aggregate: per-collection counts and summaries,
// optionally scoped to a caller.
type Aggregator interface {
	Aggregate(ctx context.Context, collection, callerID string) (map[string]any, error)
}

// Handlers carries the collaborators the HTTP surface dispatches into.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Nodes        *registry.Registry
	Discovery    *discovery.Manager
	Tools        *tool.Registry
	Collectors   *collector.Registry
	Searcher     orchestrator.Searcher
	Aggregator   Aggregator
	Breaker      *breaker.Breaker
	Creds        *credentialStore

	NodeSlug    string
	NodeRole    string
	Version     string
	DomainTags  []string
	Collections []string

	// Validator checks user bearer tokens when JWT auth is configured;
	// nil means anonymous callers are accepted.
	Validator auth.TokenValidator

	Limiter *ratelimit.DefaultRateLimiter
	Obs     *observability.Manager
	Logger  *slog.Logger
}

// NewRouter builds the inbound HTTP surface.
func NewRouter(h *Handlers) http.Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(traceID)

	if h.Obs != nil {
		if tracer, metrics := h.Obs.Tracer(), h.Obs.Metrics(); tracer != nil || metrics != nil {
			r.Use(observability.HTTPMiddleware(tracer, metrics))
		}
	}
	if h.Limiter != nil {
		// Rate limits are checked before any connection-pool or handler
		// work happens.
		r.Use(ratelimit.SimpleMiddleware(h.Limiter, "/health"))
	}

	// Unauthenticated surface.
	r.Get("/health", h.handleHealth)
	r.Post("/register", h.handleRegister)
	r.Post("/auth/refresh", h.handleAuthRefresh)

	// Peer/caller surface.
	r.Group(func(r chi.Router) {
		r.Use(h.bearerAuth)
		r.Post("/chat", h.handleChat)
		r.Get("/collections", h.handleCollections)
		r.Get("/capabilities", h.handleCapabilities)
		r.Post("/search", h.handleSearch)
		r.Post("/aggregate", h.handleAggregate)
		r.Post("/execute", h.handleExecute)
		r.Get("/dashboard", h.handleDashboard)
	})

	return r
}

// traceID ensures every request carries an X-Trace-Id, minting one when
// the caller didn't send one, so forwarded peer calls share a trace.
func traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace-Id") == "" {
			r.Header.Set("X-Trace-Id", uuid.NewString())
		}
		w.Header().Set("X-Trace-Id", r.Header.Get("X-Trace-Id"))
		next.ServeHTTP(w, r)
	})
}

// bearerAuth resolves the caller: a node access token marks the request
// as peer traffic; otherwise, when a JWT validator is configured, the
// bearer must be a valid user token. Without a validator, anonymous
// callers pass through.
func (h *Handlers) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		token := strings.TrimPrefix(raw, "Bearer ")

		if token != raw && h.Creds != nil {
			if slug, ok := h.Creds.Validate(token); ok {
				next.ServeHTTP(w, r.WithContext(withPeerSlug(r.Context(), slug)))
				return
			}
		}

		if h.Validator != nil {
			if token == raw {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if _, err := h.Validator.ValidateToken(r.Context(), token); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type peerSlugKey struct{}

func withPeerSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, peerSlugKey{}, slug)
}

// PeerSlug returns the authenticated peer node's slug, if the request
// carried valid node credentials.
func PeerSlug(ctx context.Context) (string, bool) {
	slug, ok := ctx.Value(peerSlugKey{}).(string)
	return slug, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeStrict decodes a JSON body rejecting unknown keys, per the
// explicit-options boundary rule.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "message and session_id are required")
		return
	}

	options := orchestrator.RequestOptions{}
	if req.Options != nil {
		options = *req.Options
	}

	resp, err := h.Orchestrator.HandleMessage(r.Context(), &orchestrator.Request{
		SessionID: req.SessionID,
		CallerID:  req.UserID,
		Message:   req.Message,
		Headers:   r.Header,
		Options:   options,
	})
	if err != nil {
		h.Logger.Error("chat request failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "request could not be processed")
		return
	}

	writeJSON(w, http.StatusOK, orchestrator.ChatResponse{
		Success:  true,
		Response: resp.Text,
		Metadata: resp.Metadata,
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"node":    h.NodeSlug,
		"role":    h.NodeRole,
		"domains": h.DomainTags,
	})
}

func (h *Handlers) handleCollections(w http.ResponseWriter, r *http.Request) {
	collections, err := h.Discovery.DiscoverCollections(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discovery failed")
		return
	}

	collectors := make([]map[string]any, 0)
	for _, d := range h.Collectors.List() {
		collectors = append(collectors, map[string]any{
			"name": d.Name,
			"goal": d.Goal,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collections": collections,
		"collectors":  collectors,
	})
}

func (h *Handlers) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	tools := make([]string, 0)
	for _, d := range h.Tools.List() {
		tools = append(tools, d.Name)
	}
	collectors := make([]string, 0)
	for _, d := range h.Collectors.List() {
		collectors = append(collectors, d.Name)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"slug":        h.NodeSlug,
		"description": "Relay node " + h.NodeSlug,
		"domains":     h.DomainTags,
		"collections": h.Collections,
		"collectors":  collectors,
		"tools":       tools,
		"version":     h.Version,
	})
}

// registerRequest is the /register body.
type registerRequest struct {
	Slug        string   `json:"slug"`
	DisplayName string   `json:"name,omitempty"`
	BaseURL     string   `json:"base_url"`
	Type        string   `json:"type,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Collectors  []string `json:"collectors,omitempty"`
	Collections []string `json:"collections,omitempty"`
	DomainTags  []string `json:"domains,omitempty"`
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	nodeType := registry.NodeChild
	if req.Type == string(registry.NodeMaster) {
		nodeType = registry.NodeMaster
	}

	node, err := h.Nodes.Register(registry.Description{
		Slug:        req.Slug,
		DisplayName: req.DisplayName,
		BaseURL:     req.BaseURL,
		Type:        nodeType,
		Version:     req.Version,
		Capabilities: registry.Capabilities{
			Tools:       req.Tools,
			Collectors:  req.Collectors,
			Collections: req.Collections,
			DomainTags:  req.DomainTags,
		},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.Discovery.Invalidate(node.Slug)
	creds := h.Creds.Issue(node.Slug)

	h.Logger.Info("node registered", "node", node.Slug, "base_url", node.BaseURL)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"slug":          node.Slug,
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
		"expires_in":    creds.ExpiresIn,
	})
}

func (h *Handlers) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeStrict(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	creds, err := h.Creds.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"access_token": creds.AccessToken,
		"expires_in":   creds.ExpiresIn,
	})
}

// searchRequest is the /search body.
type searchRequest struct {
	Query       string            `json:"query"`
	Collections []string          `json:"collections,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
}

func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	if h.Searcher == nil {
		writeError(w, http.StatusNotImplemented, "search is not configured on this node")
		return
	}

	var req searchRequest
	if err := decodeStrict(r, &req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	results, err := h.Searcher.Search(r.Context(), req.Query, req.Collections, req.Limit)
	if err != nil {
		h.Logger.Error("search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"id":      res.ID,
			"type":    res.Type,
			"title":   res.Title,
			"snippet": res.Snippet,
			"score":   res.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": out})
}

func (h *Handlers) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if h.Aggregator == nil {
		writeError(w, http.StatusNotImplemented, "aggregation is not configured on this node")
		return
	}

	var req struct {
		Collection string `json:"collection"`
		CallerID   string `json:"caller_id,omitempty"`
	}
	if err := decodeStrict(r, &req); err != nil || req.Collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}

	summary, err := h.Aggregator.Aggregate(r.Context(), req.Collection, req.CallerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "aggregate": summary})
}

// executeRequest is the /execute body.
type executeRequest struct {
	Tool      string         `json:"tool"`
	Model     string         `json:"model,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	CallerID  string         `json:"caller_id,omitempty"`
}

func (h *Handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeStrict(r, &req); err != nil || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	tctx := tool.NewContext(r.Context(), req.SessionID, req.CallerID)
	result, err := h.Tools.Invoke(tctx, req.Tool, req.Args)
	if err != nil {
		var failure *tool.Failure
		if errors.As(err, &failure) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"success": false,
				"error":   failure.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "tool execution failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (h *Handlers) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats := h.Nodes.Statistics()

	nodes := make([]map[string]any, 0)
	for _, n := range h.Nodes.List() {
		snap := n.Snapshot()
		health := n.HealthReport()
		entry := map[string]any{
			"slug":         snap.Slug,
			"status":       string(snap.Status),
			"type":         string(snap.Type),
			"version":      snap.Version,
			"avg_latency":  health.AvgLatency.String(),
			"success_rate": health.SuccessRate,
			"last_seen":    health.LastSeen,
		}
		if h.Breaker != nil {
			entry["breaker"] = string(h.Breaker.StateOf(snap.Slug))
		}
		nodes = append(nodes, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node": h.NodeSlug,
		"fleet": map[string]any{
			"total":    stats.Total,
			"active":   stats.Active,
			"inactive": stats.Inactive,
			"error":    stats.Error,
		},
		"nodes": nodes,
	})
}
