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
	"strings"

	"github.com/relaymesh/relay/pkg/breaker"
	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/session"
)

// VerdictKind is the routed-session policy's classification outcome.
type VerdictKind int

const (
	// VerdictContinue keeps the conversation on the current remote node.
	VerdictContinue VerdictKind = iota
	// VerdictReRoute moves the conversation to a different node.
	VerdictReRoute
	// VerdictLocal returns the conversation to local handling.
	VerdictLocal
)

// Verdict is the routed-session policy's decision for a follow-up message.
type Verdict struct {
	Kind VerdictKind
	Slug string

	// Notice carries a user-visible message, set when the policy falls
	// back to local because the routed node is unreachable.
	Notice string
}

// NodeLookup resolves slugs against the node registry.
type NodeLookup interface {
	GetBySlug(slug string) (*registry.Node, bool)
}

// BreakerProbe reports a node's current circuit-breaker state.
type BreakerProbe interface {
	StateOf(node string) breaker.State
}

// RoutedSessionPolicy decides whether a follow-up message on a routed
// session stays on the current remote node, re-routes, or falls back to
// local handling (C9).
type RoutedSessionPolicy struct {
	llm     llms.LLMProvider
	nodes   NodeLookup
	breaker BreakerProbe
}

// NewRoutedSessionPolicy creates the policy. breaker may be nil when no
// circuit-breaker state is available (tests).
func NewRoutedSessionPolicy(llm llms.LLMProvider, nodes NodeLookup, probe BreakerProbe) *RoutedSessionPolicy {
	return &RoutedSessionPolicy{llm: llm, nodes: nodes, breaker: probe}
}

// Classify decides the fate of a follow-up message on a routed session.
//
// Deterministic rules run first: an unreachable node (breaker open) forces
// local with a user-visible notice, and a topic-shift against the active
// node's declared collections forces local. Otherwise a single LLM
// classification call decides CONTINUE / RE_ROUTE:<slug> / LOCAL; unknown
// tokens fall back to CONTINUE, which is safer than dropping session state.
func (p *RoutedSessionPolicy) Classify(ctx context.Context, msg string, sctx *session.Context, digest string, allCollections []string) (Verdict, error) {
	routed := sctx.RoutedNode
	if routed == nil {
		return Verdict{Kind: VerdictLocal}, nil
	}

	if p.breaker != nil && p.breaker.StateOf(routed.Slug) == breaker.Open {
		return Verdict{
			Kind:   VerdictLocal,
			Notice: fmt.Sprintf("The %s service is currently unreachable, handling your request locally.", routed.Slug),
		}, nil
	}

	active, ok := p.nodes.GetBySlug(routed.Slug)
	if !ok {
		return Verdict{Kind: VerdictLocal}, nil
	}

	if topicShift(msg, active.Capabilities.Collections, allCollections) {
		return Verdict{Kind: VerdictLocal}, nil
	}

	verdict, err := p.classifyLLM(ctx, msg, sctx, active, digest)
	if err != nil {
		// Classification failure keeps the session where it is.
		return Verdict{Kind: VerdictContinue, Slug: routed.Slug}, nil
	}

	if verdict.Kind == VerdictReRoute {
		if _, known := p.nodes.GetBySlug(verdict.Slug); !known {
			return Verdict{Kind: VerdictLocal}, nil
		}
	}
	if verdict.Kind == VerdictContinue {
		verdict.Slug = routed.Slug
	}
	return verdict, nil
}

// topicShift reports whether the message names a collection the active
// node does not declare. Matching is by keyword presence, singular or
// plural form.
func topicShift(msg string, activeCollections, allCollections []string) bool {
	lower := strings.ToLower(msg)

	declared := make(map[string]bool, len(activeCollections)*2)
	for _, c := range activeCollections {
		declared[normalize(c)] = true
	}

	for _, c := range allCollections {
		n := normalize(c)
		if declared[n] {
			continue
		}
		if strings.Contains(lower, n) || strings.Contains(lower, n+"s") {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, "s")
}

// classifyLLM runs the CONTINUE / RE_ROUTE / LOCAL classification call.
func (p *RoutedSessionPolicy) classifyLLM(ctx context.Context, msg string, sctx *session.Context, active *registry.Node, digest string) (Verdict, error) {
	var b strings.Builder
	b.WriteString("You are deciding whether a follow-up message in an ongoing conversation ")
	b.WriteString("should stay with the service currently handling it.\n\n")
	fmt.Fprintf(&b, "Current service: %s — %s", active.Slug, active.DisplayName)
	if len(active.Capabilities.Collections) > 0 {
		fmt.Fprintf(&b, " (handles: %s)", strings.Join(active.Capabilities.Collections, ", "))
	}
	b.WriteString("\n\nOther available services:\n")
	b.WriteString(digest)
	b.WriteString("\nRecent conversation:\n")
	writeRecentTurns(&b, sctx, 4)
	fmt.Fprintf(&b, "\nNew message: %s\n\n", msg)
	b.WriteString("Answer with exactly one token:\n")
	b.WriteString("CONTINUE — the message belongs to the current service\n")
	b.WriteString("RE_ROUTE:<slug> — the message belongs to a different listed service\n")
	b.WriteString("LOCAL — the message should be handled locally\n")

	text, _, _, _, err := p.llm.Generate(ctx, []llms.Message{
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return Verdict{}, err
	}

	return parseVerdict(text, active.Slug), nil
}

// parseVerdict parses the exact uppercase classification tokens. Unknown
// output falls back to CONTINUE.
func parseVerdict(text, currentSlug string) Verdict {
	token := strings.TrimSpace(text)
	if i := strings.IndexAny(token, "\n\r"); i >= 0 {
		token = strings.TrimSpace(token[:i])
	}

	switch {
	case token == "CONTINUE":
		return Verdict{Kind: VerdictContinue, Slug: currentSlug}
	case token == "LOCAL":
		return Verdict{Kind: VerdictLocal}
	case strings.HasPrefix(token, "RE_ROUTE:"):
		slug := strings.TrimSpace(strings.TrimPrefix(token, "RE_ROUTE:"))
		if slug == "" {
			return Verdict{Kind: VerdictContinue, Slug: currentSlug}
		}
		return Verdict{Kind: VerdictReRoute, Slug: slug}
	default:
		return Verdict{Kind: VerdictContinue, Slug: currentSlug}
	}
}

// writeRecentTurns appends the last n conversation turns to the prompt.
func writeRecentTurns(b *strings.Builder, sctx *session.Context, n int) {
	log := sctx.Log
	if len(log) > n {
		log = log[len(log)-n:]
	}
	for _, t := range log {
		fmt.Fprintf(b, "%s: %s\n", t.Role, t.Content)
	}
}
