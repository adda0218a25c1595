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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/llms"
	"github.com/relaymesh/relay/pkg/session"
)

// scriptedLLM returns canned extraction responses in order.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (string, []llms.ToolCall, int, *llms.ThinkingBlock, error) {
	resp := "{}"
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

func invoiceDescriptor() Descriptor {
	return Descriptor{
		Name: "create_invoice",
		Goal: "Create a new invoice for a customer",
		Fields: []Field{
			{Name: "customer", Type: TypeString, Required: true, Prompt: "Who is the invoice for?"},
			{Name: "items", Type: TypeArray, Required: true, Prompt: "What items should be on it?"},
		},
	}
}

func invoiceRegistry(t *testing.T, completer Completer) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(invoiceDescriptor(), completer))
	return reg
}

func TestStartExtractsFieldsAndMovesToConfirmation(t *testing.T) {
	// S2: one turn supplies every required field.
	llm := &scriptedLLM{responses: []string{
		`{"customer": "Acme", "items": [{"name": "widgets", "qty": 2, "price": 50}]}`,
	}}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 0)
	sctx := session.NewContext("s1", "")

	res, err := engine.Start(context.Background(), sctx, "create_invoice", "create an invoice for Acme for 2 widgets at $50")
	require.NoError(t, err)

	assert.Equal(t, NeedsInput, res.Kind)
	assert.Equal(t, "Acme", sctx.CollectedData["customer"])
	items := sctx.CollectedData["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "widgets", items[0].(map[string]any)["name"])
	assert.Equal(t, float64(2), items[0].(map[string]any)["qty"])
	assert.Equal(t, float64(50), items[0].(map[string]any)["price"])

	require.NotNil(t, sctx.ActiveCollector)
	assert.Equal(t, session.CollectorAwaitingConfirmation, sctx.ActiveCollector.State)
}

func TestStartAsksForFirstMissingRequiredField(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"items": [{"name": "widgets"}]}`}}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 0)
	sctx := session.NewContext("s1", "")

	res, err := engine.Start(context.Background(), sctx, "create_invoice", "invoice for 2 widgets")
	require.NoError(t, err)

	assert.Equal(t, NeedsInput, res.Kind)
	assert.Equal(t, "Who is the invoice for?", res.Text)
	assert.Equal(t, "customer", sctx.ActiveCollector.AskingFor)
	assert.Equal(t, session.CollectorCollecting, sctx.ActiveCollector.State)
}

func TestConfirmationCompletesAndReportsEntityID(t *testing.T) {
	// S3: an affirmative in awaiting_confirmation runs the completer.
	llm := &scriptedLLM{responses: []string{
		`{"customer": "Acme", "items": [{"name": "widgets"}]}`,
	}}
	completer := CompleterFunc(func(ctx context.Context, sctx *session.Context, data map[string]any) (string, string, error) {
		return "inv-42", "Invoice inv-42 created for Acme.", nil
	})
	engine := NewEngine(llm, invoiceRegistry(t, completer), 0)
	sctx := session.NewContext("s1", "")

	_, err := engine.Start(context.Background(), sctx, "create_invoice", "invoice Acme for widgets")
	require.NoError(t, err)
	require.Equal(t, session.CollectorAwaitingConfirmation, sctx.ActiveCollector.State)

	res, err := engine.Continue(context.Background(), sctx, "yes")
	require.NoError(t, err)

	assert.Equal(t, Completed, res.Kind)
	assert.Equal(t, "inv-42", res.EntityID)
	assert.Contains(t, res.Text, "inv-42")
	assert.Nil(t, sctx.ActiveCollector, "completion clears the active collector")
}

func TestCorrectionIsMergedAndReconfirmed(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"customer": "Acme", "items": [{"name": "widgets"}]}`,
		`{"customer": "Globex"}`,
	}}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 0)
	sctx := session.NewContext("s1", "")

	_, err := engine.Start(context.Background(), sctx, "create_invoice", "invoice Acme for widgets")
	require.NoError(t, err)

	res, err := engine.Continue(context.Background(), sctx, "actually make it for Globex")
	require.NoError(t, err)

	assert.Equal(t, NeedsInput, res.Kind)
	assert.Equal(t, "Globex", sctx.CollectedData["customer"])
	assert.Equal(t, session.CollectorAwaitingConfirmation, sctx.ActiveCollector.State,
		"all required fields still present after the correction")
}

func TestCancelVocabularyAbandonsFromAnyState(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"customer": "Acme"}`}}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 0)
	sctx := session.NewContext("s1", "")

	_, err := engine.Start(context.Background(), sctx, "create_invoice", "invoice for Acme")
	require.NoError(t, err)

	res, err := engine.Continue(context.Background(), sctx, "never mind")
	require.NoError(t, err)

	assert.Equal(t, Cancelled, res.Kind)
	assert.Nil(t, sctx.ActiveCollector)
	assert.Empty(t, sctx.WorkflowStack)
}

func TestNonJSONExtractionReprompts(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"Sorry, I cannot determine any fields here.",
	}}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 0)
	sctx := session.NewContext("s1", "")

	res, err := engine.Start(context.Background(), sctx, "create_invoice", "hmm")
	require.NoError(t, err)

	assert.Equal(t, NeedsInput, res.Kind)
	assert.Equal(t, "Who is the invoice for?", res.Text, "no information extracted means re-prompt")
	assert.Empty(t, sctx.CollectedData)
}

func TestSubFlowPushAndResume(t *testing.T) {
	// Parent needs a customer entity; the child collector creates one.
	parent := Descriptor{
		Name: "create_invoice",
		Goal: "Create a new invoice",
		Fields: []Field{
			{Name: "customer_id", Type: TypeString, Required: true, Prompt: "Which customer?", ChildFlow: "create_customer"},
			{Name: "items", Type: TypeArray, Required: true, Prompt: "What items should be on it?"},
		},
	}
	child := Descriptor{
		Name: "create_customer",
		Goal: "Register a new customer",
		Fields: []Field{
			{Name: "name", Type: TypeString, Required: true, Prompt: "What's the customer's name?"},
		},
	}

	reg := NewRegistry()
	require.NoError(t, reg.Register(parent, nil))
	require.NoError(t, reg.Register(child, CompleterFunc(func(ctx context.Context, sctx *session.Context, data map[string]any) (string, string, error) {
		return "cust-7", "Customer created.", nil
	})))

	llm := &scriptedLLM{responses: []string{
		`{}`,               // start: nothing extracted, asks for customer_id
		`{}`,               // "a new one": no entity id extracted -> sub-flow push
		`{"name": "Acme"}`, // child extraction
	}}
	engine := NewEngine(llm, reg, 0)
	sctx := session.NewContext("s1", "")

	res, err := engine.Start(context.Background(), sctx, "create_invoice", "create an invoice")
	require.NoError(t, err)
	assert.Equal(t, "Which customer?", res.Text)

	// The answer does not supply an entity id, so the engine pushes the
	// child flow and asks its first question.
	res, err = engine.Continue(context.Background(), sctx, "a new one please")
	require.NoError(t, err)
	assert.Equal(t, NeedsInput, res.Kind)
	assert.Contains(t, res.Text, "What's the customer's name?")
	require.Len(t, sctx.WorkflowStack, 1)
	assert.Equal(t, "create_invoice", sctx.WorkflowStack[0].Workflow)
	assert.Equal(t, "customer_id", sctx.WorkflowStack[0].Step)
	assert.Equal(t, "create_customer", sctx.ActiveCollector.Name)

	// Child reaches confirmation, then completes; the parent resumes with
	// the resolved entity id under the declared field name.
	res, err = engine.Continue(context.Background(), sctx, "the name is Acme")
	require.NoError(t, err)
	require.NotNil(t, sctx.ActiveCollector)
	require.Equal(t, session.CollectorAwaitingConfirmation, sctx.ActiveCollector.State)

	res, err = engine.Continue(context.Background(), sctx, "yes")
	require.NoError(t, err)

	assert.Empty(t, sctx.WorkflowStack, "frame is popped on child completion")
	require.NotNil(t, sctx.ActiveCollector)
	assert.Equal(t, "create_invoice", sctx.ActiveCollector.Name)
	assert.Equal(t, "cust-7", sctx.CollectedData["customer_id"],
		"resolved child entity id lands under the declared field name")
	assert.Equal(t, "cust-7", res.EntityID)
	assert.Contains(t, res.Text, "What items should be on it?",
		"parent resumes from its saved position")
}

func TestStepLoopGuardAborts(t *testing.T) {
	// The extraction never yields the field, so the same step repeats
	// until the guard trips.
	llm := &scriptedLLM{}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 3)
	sctx := session.NewContext("s1", "")

	_, err := engine.Start(context.Background(), sctx, "create_invoice", "")
	require.NoError(t, err)

	var res Result
	for i := 0; i < 3; i++ {
		res, err = engine.Continue(context.Background(), sctx, "I don't know")
		require.NoError(t, err)
	}

	assert.Equal(t, Failed, res.Kind)
	assert.Nil(t, sctx.ActiveCollector, "loop guard clears workflow state")
	assert.Empty(t, sctx.WorkflowStack)
}

func TestStartRejectsSecondActiveCollector(t *testing.T) {
	llm := &scriptedLLM{}
	engine := NewEngine(llm, invoiceRegistry(t, nil), 0)
	sctx := session.NewContext("s1", "")

	_, err := engine.Start(context.Background(), sctx, "create_invoice", "")
	require.NoError(t, err)

	_, err = engine.Start(context.Background(), sctx, "create_invoice", "")
	assert.Error(t, err, "at most one active collector per session")
}
