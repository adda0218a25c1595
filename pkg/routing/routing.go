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

// Package routing implements the Routing Decision Engine (C6) and the
// Routed-Session Policy (C9): deterministic fast paths that short-circuit
// the LLM for obvious cases, an LLM classification step for routed
// sessions, and a general LLM orchestration step producing
// (action, resource, reason).
package routing

import (
	"strings"
)

// Action is one entry of the action vocabulary emitted by the decision
// engine and consumed by the orchestrator's handler registry.
type Action string

const (
	ActionContinueCollector Action = "continue_collector"
	ActionStartCollector    Action = "start_collector"
	ActionUseTool           Action = "use_tool"
	ActionRouteToNode       Action = "route_to_node"
	ActionResumeSession     Action = "resume_session"
	ActionPauseAndHandle    Action = "pause_and_handle"
	ActionSearchKnowledge   Action = "search_knowledge"
	ActionConversational    Action = "conversational"
	ActionResolvePositional Action = "resolve_positional_reference"
	ActionSelectOption      Action = "select_option"
)

// knownActions is the parse table for the LLM orchestration response.
// Anything else falls back to the safest action, search_knowledge.
var knownActions = map[string]Action{
	string(ActionContinueCollector): ActionContinueCollector,
	string(ActionStartCollector):    ActionStartCollector,
	string(ActionUseTool):           ActionUseTool,
	string(ActionRouteToNode):       ActionRouteToNode,
	string(ActionResumeSession):     ActionResumeSession,
	string(ActionPauseAndHandle):    ActionPauseAndHandle,
	string(ActionSearchKnowledge):   ActionSearchKnowledge,
	string(ActionConversational):    ActionConversational,
	string(ActionResolvePositional): ActionResolvePositional,
	string(ActionSelectOption):      ActionSelectOption,
}

// ParseAction maps a raw token to a known Action, reporting whether it was
// recognized.
func ParseAction(raw string) (Action, bool) {
	a, ok := knownActions[strings.ToLower(strings.TrimSpace(raw))]
	return a, ok
}

// Decision is the decision engine's output for one inbound message.
type Decision struct {
	Action   Action
	Resource string
	Reason   string

	// SelectedEntityID and SelectedEntityType carry the resolved entity
	// when Action is resolve_positional_reference.
	SelectedEntityID   string
	SelectedEntityType string

	// FastPath reports whether the decision was produced without an LLM
	// call.
	FastPath bool
}

// CollectorSummary is the slice of a collector descriptor the decision
// prompt needs: name and one-sentence goal.
type CollectorSummary struct {
	Name string
	Goal string
}

// ToolSummary is the slice of a tool descriptor the decision prompt needs.
type ToolSummary struct {
	Name        string
	Description string
}

// Catalog is the discovered resource set the decision engine chooses from.
type Catalog struct {
	Collectors  []CollectorSummary
	Tools       []ToolSummary
	Collections []string
}

// Profile is the compact user profile included in the orchestration
// prompt. Fields are selected by configuration; empty fields are omitted
// from the rendered prompt.
type Profile struct {
	Fields map[string]string
}
