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

package tool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTool is a trivial local CallableTool.
type echoTool struct {
	name string
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echoes its arguments" }
func (e *echoTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}

func (e *echoTool) Call(ctx Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["text"], "source": "local", "session": ctx.SessionID()}, nil
}

// recordingForwarder captures remote invocations.
type recordingForwarder struct {
	node string
	tool string
	err  error
}

func (f *recordingForwarder) InvokeTool(ctx Context, nodeSlug, toolName string, args map[string]any) (map[string]any, error) {
	f.node, f.tool = nodeSlug, toolName
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"source": "remote"}, nil
}

func TestLocalToolWinsOnNameCollision(t *testing.T) {
	// Property 4: for any name present in both registries, dispatch
	// always selects the local descriptor.
	fwd := &recordingForwarder{}
	r := NewRegistry(fwd)

	r.MergeRemote([]Descriptor{{
		Name:     "echo",
		Source:   SourceRemoteNode,
		NodeSlug: "mail",
	}})
	r.RegisterLocal("demo", &echoTool{name: "echo"})

	// Remote catalogs are re-merged on every discovery refresh; the
	// local registration must survive.
	r.MergeRemote([]Descriptor{{
		Name:     "echo",
		Source:   SourceRemoteNode,
		NodeSlug: "mail",
	}})

	d, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, SourceLocal, d.Source)

	result, err := r.Invoke(NewContext(context.Background(), "s1", "u1"), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "local", result["source"])
	assert.Empty(t, fwd.tool, "remote forwarder is never consulted")
}

func TestRemoteToolRoutesThroughForwarder(t *testing.T) {
	fwd := &recordingForwarder{}
	r := NewRegistry(fwd)
	r.MergeRemote([]Descriptor{{
		Name:     "send_mail",
		Source:   SourceRemoteNode,
		NodeSlug: "mail",
	}})

	result, err := r.Invoke(NewContext(context.Background(), "s1", ""), "send_mail", map[string]any{"to": "x@y.z"})
	require.NoError(t, err)
	assert.Equal(t, "remote", result["source"])
	assert.Equal(t, "mail", fwd.node)
	assert.Equal(t, "send_mail", fwd.tool)
}

func TestInvokeUnknownToolFails(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Invoke(NewContext(context.Background(), "s1", ""), "nope", nil)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "nope", failure.Tool)
}

func TestInvokeWrapsHandlerErrors(t *testing.T) {
	fwd := &recordingForwarder{err: fmt.Errorf("boom")}
	r := NewRegistry(fwd)
	r.MergeRemote([]Descriptor{{Name: "send_mail", Source: SourceRemoteNode, NodeSlug: "mail"}})

	_, err := r.Invoke(NewContext(context.Background(), "s1", ""), "send_mail", nil)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.ErrorContains(t, failure.Err, "boom")
}

func TestCallContextCarriesIdentity(t *testing.T) {
	ctx := NewContext(context.Background(), "sess", "caller")
	assert.Equal(t, "sess", ctx.SessionID())
	assert.Equal(t, "caller", ctx.CallerID())
}
