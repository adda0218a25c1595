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

// Package tool defines the unified tool dispatcher (C8): a registry that
// merges locally registered tools, tools advertised by remote nodes, and
// tools advertised by external MCP servers into a single name->descriptor
// map, and routes invocations to the right handler.
package tool

import (
	"context"
	"fmt"
)

// Tool defines the base interface for a callable tool.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string
}

// CallableTool extends Tool with synchronous execution capability.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters.
	// Returns nil if the tool takes no parameters.
	Schema() map[string]any
}

// Context provides the execution context for a tool invocation.
type Context interface {
	context.Context

	// SessionID identifies the session the invocation belongs to.
	SessionID() string

	// CallerID identifies the caller, if any.
	CallerID() string
}

// callContext is the default Context implementation.
type callContext struct {
	context.Context
	sessionID string
	callerID  string
}

// NewContext wraps a context.Context with session/caller identity for a tool call.
func NewContext(ctx context.Context, sessionID, callerID string) Context {
	return &callContext{Context: ctx, sessionID: sessionID, callerID: callerID}
}

func (c *callContext) SessionID() string { return c.sessionID }
func (c *callContext) CallerID() string  { return c.callerID }

// Source identifies where a descriptor originates from.
type Source int

const (
	// SourceLocal is an in-process tool registered at startup.
	SourceLocal Source = iota
	// SourceRemoteNode is a tool advertised by a peer Relay node.
	SourceRemoteNode
	// SourceMCP is a tool advertised by an external MCP server.
	SourceMCP
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemoteNode:
		return "remote_node"
	case SourceMCP:
		return "mcp"
	default:
		return "unknown"
	}
}

// Descriptor describes a dispatchable tool regardless of its source.
type Descriptor struct {
	Name        string
	Domain      string
	Description string
	Schema      map[string]any
	Source      Source

	// NodeSlug is set when Source == SourceRemoteNode.
	NodeSlug string

	// Local is set when Source == SourceLocal.
	Local CallableTool
}

// Forwarder invokes a tool on a remote node. Implemented by pkg/transport.
type Forwarder interface {
	InvokeTool(ctx Context, nodeSlug, toolName string, args map[string]any) (map[string]any, error)
}

// Failure wraps any error raised during tool execution/dispatch.
type Failure struct {
	Tool string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("tool %q failed: %v", f.Tool, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Registry merges the three descriptor sources and dispatches calls.
//
// Precedence on name collision is local > remote-node > MCP: remote and MCP
// descriptors are merged first, then local registrations overwrite any
// colliding name, so the local tool always wins per spec invariant.
type Registry struct {
	descriptors map[string]Descriptor
	forwarder   Forwarder
}

// NewRegistry creates an empty tool registry.
func NewRegistry(forwarder Forwarder) *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		forwarder:   forwarder,
	}
}

// MergeRemote registers descriptors discovered from remote nodes or MCP
// servers. Safe to call repeatedly (e.g. on each discovery refresh) as it
// never overwrites a local registration.
func (r *Registry) MergeRemote(descs []Descriptor) {
	for _, d := range descs {
		if existing, ok := r.descriptors[d.Name]; ok && existing.Source == SourceLocal {
			continue
		}
		r.descriptors[d.Name] = d
	}
}

// RegisterLocal registers an in-process tool. Always wins on name collision.
func (r *Registry) RegisterLocal(domain string, t CallableTool) {
	r.descriptors[t.Name()] = Descriptor{
		Name:        t.Name(),
		Domain:      domain,
		Description: t.Description(),
		Schema:      t.Schema(),
		Source:      SourceLocal,
		Local:       t,
	}
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// List returns all merged descriptors.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Invoke validates parameters against the tool's schema (schema presence is
// checked; field-level validation is performed by the caller's schema
// library before this is reached) and routes to the local handler or, for
// remote descriptors, to the configured Forwarder.
func (r *Registry) Invoke(ctx Context, name string, args map[string]any) (map[string]any, error) {
	d, ok := r.descriptors[name]
	if !ok {
		return nil, &Failure{Tool: name, Err: fmt.Errorf("unknown tool")}
	}

	switch d.Source {
	case SourceLocal, SourceMCP:
		// MCP descriptors carry an in-process CallableTool wrapper that
		// performs the stdio/HTTP call itself, so they dispatch the same
		// way a local tool does.
		result, err := d.Local.Call(ctx, args)
		if err != nil {
			return nil, &Failure{Tool: name, Err: err}
		}
		return result, nil
	case SourceRemoteNode:
		if r.forwarder == nil {
			return nil, &Failure{Tool: name, Err: fmt.Errorf("no forwarder configured for remote tool")}
		}
		result, err := r.forwarder.InvokeTool(ctx, d.NodeSlug, name, args)
		if err != nil {
			return nil, &Failure{Tool: name, Err: err}
		}
		return result, nil
	default:
		return nil, &Failure{Tool: name, Err: fmt.Errorf("unsupported tool source")}
	}
}
