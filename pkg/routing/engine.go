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

package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/session"
)

// DigestProvider produces the routing digest: a compact deterministic text
// rendering of every active peer plus the local node.
type DigestProvider interface {
	RoutingDigest(ctx context.Context) (string, error)
}

// Engine is the Routing Decision Engine (C6). Fast paths run first and
// short-circuit the LLM for obvious cases; the general case is a single
// orchestration call answering in a rigid 3-line format.
type Engine struct {
	llm     llms.LLMProvider
	digest  DigestProvider
	policy  *RoutedSessionPolicy
	profile Profile
}

// NewEngine creates a decision engine. policy may be nil when the node
// never routes sessions to peers (standalone deployments).
func NewEngine(llm llms.LLMProvider, digest DigestProvider, policy *RoutedSessionPolicy, profile Profile) *Engine {
	return &Engine{llm: llm, digest: digest, policy: policy, profile: profile}
}

// Decide produces the routing decision for one inbound message.
//
// Decision order: deterministic fast paths (active collector, routed-session
// short follow-up, positional reference, option selection), then the
// routed-session LLM classification, then the general LLM orchestration
// call, then the follow-up guard rewrite.
func (e *Engine) Decide(ctx context.Context, msg string, sctx *session.Context, cat Catalog) (Decision, error) {
	// Fast path: an active collector always continues; the cancel
	// vocabulary is the collector engine's concern, not the router's.
	if sctx.ActiveCollector != nil {
		return Decision{
			Action:   ActionContinueCollector,
			Resource: sctx.ActiveCollector.Name,
			Reason:   "collector is active",
			FastPath: true,
		}, nil
	}

	// Fast path: short follow-ups on a routed session stay pinned to the
	// same node without a classification call.
	if sctx.RoutedNode != nil && IsShortFollowUp(msg) {
		return Decision{
			Action:   ActionRouteToNode,
			Resource: sctx.RoutedNode.Slug,
			Reason:   "short follow-up on routed session",
			FastPath: true,
		}, nil
	}

	// Fast path: a purely positional message resolves against the
	// entity-list memory.
	if id, entityType, ok := ResolvePositional(msg, sctx.LastEntityList); ok {
		return Decision{
			Action:             ActionResolvePositional,
			Resource:           id,
			Reason:             "positional reference into last presented list",
			SelectedEntityID:   id,
			SelectedEntityType: entityType,
			FastPath:           true,
		}, nil
	}

	// Fast path: numeric selection from the last assistant turn's option
	// menu dispatches to the handler tied to that menu's topic.
	if menu, choice, ok := SelectOption(msg, lastAssistantTurn(sctx)); ok {
		return Decision{
			Action:   ActionSelectOption,
			Resource: menu.Topic,
			Reason:   fmt.Sprintf("selected option %d from %s menu", choice, menu.Topic),
			FastPath: true,
		}, nil
	}

	digest := ""
	if e.digest != nil {
		if d, err := e.digest.RoutingDigest(ctx); err == nil {
			digest = d
		}
	}

	// Routed session with a substantive message: classify before falling
	// back to general orchestration.
	if sctx.RoutedNode != nil && e.policy != nil {
		verdict, err := e.policy.Classify(ctx, msg, sctx, digest, cat.Collections)
		if err != nil {
			return Decision{}, err
		}
		switch verdict.Kind {
		case VerdictContinue, VerdictReRoute:
			return Decision{
				Action:   ActionRouteToNode,
				Resource: verdict.Slug,
				Reason:   "routed-session classification",
			}, nil
		case VerdictLocal:
			// Fall through to general orchestration; the orchestrator
			// clears the routed-node descriptor before dispatch.
			if verdict.Notice != "" {
				sctx.Set("routing_notice", verdict.Notice)
			}
			sctx.RoutedNode = nil
		}
	}

	decision, err := e.orchestrate(ctx, msg, sctx, cat, digest)
	if err != nil {
		return Decision{}, err
	}

	// Follow-up guard: a knowledge search about an already-presented list
	// would re-list; answer conversationally instead.
	if decision.Action == ActionSearchKnowledge && isListFollowUp(msg, sctx) {
		decision.Action = ActionConversational
		decision.Reason = "follow-up about already-presented list"
	}
	return decision, nil
}

// lastAssistantTurn returns the most recent assistant turn prior to the
// current user message, if any.
func lastAssistantTurn(sctx *session.Context) *session.Turn {
	for i := len(sctx.Log) - 1; i >= 0; i-- {
		if sctx.Log[i].Role == session.RoleAssistant {
			return &sctx.Log[i]
		}
	}
	return nil
}

// followUpMarkers are referential words that signal the user is asking
// about items already on screen rather than requesting a new search.
var followUpMarkers = []string{
	"them", "those", "these", "that one", "which one", "the list",
	"above", "you showed", "you listed",
}

func isListFollowUp(msg string, sctx *session.Context) bool {
	if sctx.LastEntityList == nil {
		return false
	}
	lower := strings.ToLower(msg)
	for _, m := range followUpMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// orchestrate runs the general LLM orchestration call and parses its
// rigid 3-line answer.
func (e *Engine) orchestrate(ctx context.Context, msg string, sctx *session.Context, cat Catalog, digest string) (Decision, error) {
	prompt := e.buildOrchestrationPrompt(msg, sctx, cat, digest)

	text, _, _, _, err := e.llm.Generate(ctx, []llms.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("routing: orchestration call: %w", err)
	}

	return parseDecision(text), nil
}

// buildOrchestrationPrompt assembles the routing digest, the paused
// sub-session stack, the tool/collector/collection catalog, the compact
// user profile, and the last few conversation turns.
func (e *Engine) buildOrchestrationPrompt(msg string, sctx *session.Context, cat Catalog, digest string) string {
	var b strings.Builder

	b.WriteString("You route an incoming user message to exactly one action.\n\n")

	if digest != "" {
		b.WriteString("Available services:\n")
		b.WriteString(digest)
		b.WriteString("\n")
	}

	if len(sctx.WorkflowStack) > 0 {
		b.WriteString("Paused workflows (most recent last):\n")
		for _, f := range sctx.WorkflowStack {
			fmt.Fprintf(&b, "- %s (at step %s)\n", f.Workflow, f.Step)
		}
		b.WriteString("\n")
	}

	if len(cat.Collectors) > 0 {
		b.WriteString("Workflows that can be started:\n")
		for _, c := range cat.Collectors {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Goal)
		}
		b.WriteString("\n")
	}
	if len(cat.Tools) > 0 {
		b.WriteString("Tools that can be called:\n")
		for _, t := range cat.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		b.WriteString("\n")
	}
	if len(cat.Collections) > 0 {
		fmt.Fprintf(&b, "Searchable collections: %s\n\n", strings.Join(cat.Collections, ", "))
	}

	if len(e.profile.Fields) > 0 {
		b.WriteString("User profile:\n")
		keys := make([]string, 0, len(e.profile.Fields))
		for k := range e.profile.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v := e.profile.Fields[k]; v != "" {
				fmt.Fprintf(&b, "- %s: %s\n", k, v)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Recent conversation:\n")
	writeRecentTurns(&b, sctx, 6)
	fmt.Fprintf(&b, "\nNew message: %s\n\n", msg)

	b.WriteString("Answer in exactly three lines:\n")
	b.WriteString("ACTION: one of start_collector, use_tool, route_to_node, resume_session, search_knowledge, conversational\n")
	b.WriteString("RESOURCE: the workflow, tool, service slug, or collection name (or none)\n")
	b.WriteString("REASON: one short sentence\n")

	return b.String()
}

// parseDecision parses the rigid ACTION/RESOURCE/REASON response format.
// An unrecognized action defaults to the safest fallback, search_knowledge.
func parseDecision(text string) Decision {
	d := Decision{Action: ActionSearchKnowledge}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "ACTION:"):
			raw := strings.TrimSpace(line[len("ACTION:"):])
			if a, ok := ParseAction(raw); ok {
				d.Action = a
			}
		case strings.HasPrefix(strings.ToUpper(line), "RESOURCE:"):
			r := strings.TrimSpace(line[len("RESOURCE:"):])
			if strings.EqualFold(r, "none") {
				r = ""
			}
			d.Resource = r
		case strings.HasPrefix(strings.ToUpper(line), "REASON:"):
			d.Reason = strings.TrimSpace(line[len("REASON:"):])
		}
	}
	return d
}
