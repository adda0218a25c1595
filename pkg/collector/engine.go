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

package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/session"
)

// ResultKind tags the engine's per-turn outcome.
type ResultKind int

const (
	// NeedsInput means the engine asked the user a question and is
	// waiting for the next turn.
	NeedsInput ResultKind = iota
	// Completed means the collector ran its completion action.
	Completed
	// Cancelled means the user abandoned the collector.
	Cancelled
	// Failed means the collector aborted (completion error or the
	// step-loop guard tripped).
	Failed
)

// Result is the engine's per-turn outcome.
type Result struct {
	Kind     ResultKind
	Text     string
	Data     map[string]any
	EntityID string
}

// ErrStepLoopExceeded is wrapped into a Failed result when a
// (workflow, step) pair exceeds its per-session execution cap.
var ErrStepLoopExceeded = fmt.Errorf("collector: step executed too many times")

// cancelVocabulary matches messages that abandon the collector from any
// state.
var cancelVocabulary = []string{
	"cancel", "stop", "never mind", "nevermind", "forget it", "abort", "quit",
}

// affirmatives confirm a pending collector from awaiting_confirmation.
var affirmatives = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "ok": true, "okay": true,
	"sure": true, "confirm": true, "confirmed": true, "correct": true,
	"right": true, "go ahead": true, "do it": true,
}

func isCancel(msg string) bool {
	lower := strings.ToLower(strings.TrimSpace(msg))
	for _, c := range cancelVocabulary {
		if lower == c || strings.HasPrefix(lower, c+" ") || strings.HasPrefix(lower, c+",") {
			return true
		}
	}
	return false
}

func isAffirmative(msg string) bool {
	return affirmatives[strings.ToLower(strings.Trim(strings.TrimSpace(msg), ".!"))]
}

// Engine drives active collectors turn by turn.
type Engine struct {
	llm      llms.LLMProvider
	registry *Registry

	// maxStepExecutions caps each (workflow, step) pair's per-session
	// execution count.
	maxStepExecutions int
}

// NewEngine creates a collector engine.
func NewEngine(llm llms.LLMProvider, reg *Registry, maxStepExecutions int) *Engine {
	if maxStepExecutions <= 0 {
		maxStepExecutions = 20
	}
	return &Engine{llm: llm, registry: reg, maxStepExecutions: maxStepExecutions}
}

// Start activates a collector on the session and processes the triggering
// message, which usually already carries field values.
func (e *Engine) Start(ctx context.Context, sctx *session.Context, name, msg string) (Result, error) {
	d, ok := e.registry.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("collector: unknown collector %q", name)
	}
	if d.NodeSlug != "" {
		return Result{}, fmt.Errorf("collector: %q is remote (node %s); forward instead", name, d.NodeSlug)
	}
	if sctx.ActiveCollector != nil {
		return Result{}, fmt.Errorf("collector: session already has an active collector %q", sctx.ActiveCollector.Name)
	}

	sctx.ActiveCollector = &session.ActiveCollector{
		Name:  name,
		State: session.CollectorCollecting,
	}
	sctx.CollectedData = make(map[string]any)

	if strings.TrimSpace(msg) != "" {
		if extracted := extract(ctx, e.llm, d, sctx.CollectedData, "", msg); extracted != nil {
			sctx.CollectedData = Merge(sctx.CollectedData, extracted)
		}
	}
	return e.advance(ctx, sctx, d)
}

// Continue processes one user turn for the session's active collector.
func (e *Engine) Continue(ctx context.Context, sctx *session.Context, msg string) (Result, error) {
	ac := sctx.ActiveCollector
	if ac == nil {
		return Result{}, fmt.Errorf("collector: no active collector")
	}

	if isCancel(msg) {
		return e.cancel(sctx), nil
	}

	d, ok := e.registry.Get(ac.Name)
	if !ok {
		sctx.ActiveCollector = nil
		return Result{}, fmt.Errorf("collector: active collector %q no longer registered", ac.Name)
	}

	if ac.State == session.CollectorAwaitingConfirmation {
		if isAffirmative(msg) {
			return e.complete(ctx, sctx, d)
		}
		// Anything else is a correction: fold it in and re-evaluate.
		ac.State = session.CollectorCollecting
	}

	if extracted := extract(ctx, e.llm, d, sctx.CollectedData, ac.AskingFor, msg); extracted != nil {
		sctx.CollectedData = Merge(sctx.CollectedData, extracted)
	}
	return e.advance(ctx, sctx, d)
}

// Resume reactivates a paused collector: if none is active, the most
// recently suspended workflow frame is popped and restored, and the user
// is re-asked the question pending at suspension time.
func (e *Engine) Resume(ctx context.Context, sctx *session.Context) (Result, error) {
	if sctx.ActiveCollector == nil {
		frame, ok := sctx.PopFrame()
		if !ok {
			return Result{}, fmt.Errorf("collector: nothing to resume")
		}
		sctx.CollectedData = frame.CollectedData
		sctx.ActiveCollector = &session.ActiveCollector{
			Name:      frame.Workflow,
			State:     session.CollectorCollecting,
			AskingFor: frame.ParentStep,
		}
	}

	name := sctx.ActiveCollector.Name
	d, ok := e.registry.Get(name)
	if !ok {
		sctx.ActiveCollector = nil
		return Result{}, fmt.Errorf("collector: paused collector %q no longer registered", name)
	}
	return e.advance(ctx, sctx, d)
}

// cancel abandons the active collector and unwinds any suspended parents.
func (e *Engine) cancel(sctx *session.Context) Result {
	name := ""
	if sctx.ActiveCollector != nil {
		name = sctx.ActiveCollector.Name
	}
	sctx.ActiveCollector = nil
	sctx.CollectedData = make(map[string]any)
	sctx.WorkflowStack = nil

	return Result{
		Kind: Cancelled,
		Text: fmt.Sprintf("Okay, I've cancelled %s. Anything else?", humanName(name)),
	}
}

// advance moves the state machine forward: ask the first missing required
// field, push a sub-flow when the field declares one and the user's answer
// did not resolve it, or move to confirmation when everything is present.
func (e *Engine) advance(ctx context.Context, sctx *session.Context, d Descriptor) (Result, error) {
	ac := sctx.ActiveCollector

	for _, f := range d.RequiredFields() {
		if hasValue(sctx.CollectedData, f.Name) {
			continue
		}

		// The field declares a child collector, the user has already been
		// asked once, and the answer did not supply an entity id: run the
		// child as a sub-flow.
		if f.ChildFlow != "" && ac.AskingFor == f.Name {
			if child, ok := e.registry.Get(f.ChildFlow); ok && child.NodeSlug == "" {
				return e.pushSubFlow(ctx, sctx, d, f, child)
			}
		}

		if err := e.guardStep(sctx, d.Name, f.Name); err != nil {
			return e.abort(sctx, d), nil
		}

		ac.State = session.CollectorCollecting
		ac.AskingFor = f.Name
		return Result{
			Kind: NeedsInput,
			Text: fieldPrompt(f),
			Data: sctx.CollectedData,
		}, nil
	}

	if err := e.guardStep(sctx, d.Name, "confirm"); err != nil {
		return e.abort(sctx, d), nil
	}

	ac.State = session.CollectorAwaitingConfirmation
	ac.AskingFor = ""
	return Result{
		Kind: NeedsInput,
		Text: confirmationPrompt(d, sctx.CollectedData),
		Data: sctx.CollectedData,
	}, nil
}

// pushSubFlow suspends the current collector and starts the child.
func (e *Engine) pushSubFlow(ctx context.Context, sctx *session.Context, parent Descriptor, f Field, child Descriptor) (Result, error) {
	snapshot := make(map[string]any, len(sctx.CollectedData))
	for k, v := range sctx.CollectedData {
		snapshot[k] = v
	}

	sctx.PushFrame(session.WorkflowFrame{
		Workflow:      parent.Name,
		Step:          f.Name,
		CollectedData: snapshot,
		ParentStep:    sctx.ActiveCollector.AskingFor,
		StepPrefix:    parent.Name + ".",
	})

	sctx.ActiveCollector = &session.ActiveCollector{
		Name:  child.Name,
		State: session.CollectorCollecting,
	}
	sctx.CollectedData = make(map[string]any)

	res, err := e.advance(ctx, sctx, child)
	if err != nil {
		return res, err
	}
	res.Text = fmt.Sprintf("Let's set up the %s first. %s", humanName(child.Name), res.Text)
	return res, nil
}

// complete runs the completion action and, for sub-flows, resumes the
// suspended parent with the resolved entity id merged in.
func (e *Engine) complete(ctx context.Context, sctx *session.Context, d Descriptor) (Result, error) {
	completer, ok := e.registry.Completer(d.Name)

	var entityID, text string
	if ok {
		var err error
		entityID, text, err = completer.Complete(ctx, sctx, sctx.CollectedData)
		if err != nil {
			sctx.ActiveCollector = nil
			sctx.WorkflowStack = nil
			return Result{
				Kind: Failed,
				Text: fmt.Sprintf("I couldn't finish %s: %v", humanName(d.Name), err),
			}, nil
		}
	}
	if text == "" {
		text = fmt.Sprintf("Done — %s is complete.", humanName(d.Name))
		if entityID != "" {
			text = fmt.Sprintf("Done — %s is complete (id %s).", humanName(d.Name), entityID)
		}
	}

	data := sctx.CollectedData

	// A suspended parent means this was a sub-flow: pop the frame, copy
	// the resolved entity id under the declared field name, and resume the
	// parent from its saved step.
	if frame, hasParent := sctx.PopFrame(); hasParent {
		sctx.CollectedData = frame.CollectedData
		if entityID != "" {
			sctx.CollectedData[frame.Step] = entityID
		}
		sctx.ActiveCollector = &session.ActiveCollector{
			Name:      frame.Workflow,
			State:     session.CollectorCollecting,
			AskingFor: frame.ParentStep,
		}

		parent, ok := e.registry.Get(frame.Workflow)
		if !ok {
			sctx.ActiveCollector = nil
			return Result{Kind: Completed, Text: text, Data: data, EntityID: entityID}, nil
		}
		res, err := e.advance(ctx, sctx, parent)
		if err != nil {
			return res, err
		}
		res.Text = text + " " + res.Text
		res.EntityID = entityID
		return res, nil
	}

	sctx.ActiveCollector = nil
	sctx.CollectedData = make(map[string]any)
	return Result{Kind: Completed, Text: text, Data: data, EntityID: entityID}, nil
}

// abort trips the step-loop guard: clears all workflow state and returns a
// user-safe failure.
func (e *Engine) abort(sctx *session.Context, d Descriptor) Result {
	sctx.ActiveCollector = nil
	sctx.CollectedData = make(map[string]any)
	sctx.WorkflowStack = nil
	return Result{
		Kind: Failed,
		Text: fmt.Sprintf("Something went wrong with %s and I've stopped it. Please start over.", humanName(d.Name)),
	}
}

// guardStep enforces the per-(workflow, step) execution cap. Step names
// are namespaced by the suspended parents' prefixes so a child's steps
// never collide with the parent's.
func (e *Engine) guardStep(sctx *session.Context, workflow, step string) error {
	prefix := ""
	for _, f := range sctx.WorkflowStack {
		prefix += f.StepPrefix
	}
	if sctx.IncrStep(workflow, prefix+step) > e.maxStepExecutions {
		return ErrStepLoopExceeded
	}
	return nil
}

func hasValue(data map[string]any, field string) bool {
	v, ok := data[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return false
	}
	if l, ok := v.([]any); ok && len(l) == 0 {
		return false
	}
	return true
}

func fieldPrompt(f Field) string {
	if f.Prompt != "" {
		return f.Prompt
	}
	return fmt.Sprintf("What is the %s?", humanName(f.Name))
}

// confirmationPrompt renders the collected data and asks for a go-ahead.
func confirmationPrompt(d Descriptor, data map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here's what I have for %s:\n", humanName(d.Name))
	for _, f := range d.Fields {
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			fmt.Fprintf(&b, "- %s: %s\n", humanName(f.Name), val)
		default:
			if enc, err := json.Marshal(val); err == nil {
				fmt.Fprintf(&b, "- %s: %s\n", humanName(f.Name), enc)
			}
		}
	}
	b.WriteString("Shall I go ahead?")
	return b.String()
}

func humanName(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
