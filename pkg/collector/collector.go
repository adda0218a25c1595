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

// Package collector implements the Collector Engine (C7): a multi-turn,
// field-driven data-gathering state machine with LLM field extraction,
// declarative merge rules, and sub-flow nesting via the session's
// workflow stack.
package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relaymesh/relay/pkg/config"
	"github.com/relaymesh/relay/pkg/session"
)

// FieldType enumerates the value types a collector field may hold.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field declares a single piece of data a collector gathers.
type Field struct {
	Name     string
	Type     FieldType
	Required bool

	// Prompt is the human question asked when the field is missing.
	Prompt string

	Min *float64
	Max *float64

	// ChildFlow names a collector to run as a sub-flow when this field
	// needs an entity that does not exist yet.
	ChildFlow string
}

// Descriptor declares a collector: its goal, its ordered fields, and how
// it completes. A collector is local when NodeSlug is empty.
type Descriptor struct {
	Name             string
	Goal             string
	Description      string
	Fields           []Field
	TriggerPhrases   []string
	CompletionAction string

	// NodeSlug is set for collectors advertised by a remote node.
	NodeSlug string
}

// RequiredFields returns the required fields in declaration order.
func (d Descriptor) RequiredFields() []Field {
	out := make([]Field, 0, len(d.Fields))
	for _, f := range d.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// FieldByName looks a field up by name.
func (d Descriptor) FieldByName(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Completer runs a collector's completion action once every required field
// has a confirmed value. It returns the id of the created/affected entity
// and the user-facing completion text.
type Completer interface {
	Complete(ctx context.Context, sctx *session.Context, data map[string]any) (entityID, text string, err error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, sctx *session.Context, data map[string]any) (string, string, error)

func (f CompleterFunc) Complete(ctx context.Context, sctx *session.Context, data map[string]any) (string, string, error) {
	return f(ctx, sctx, data)
}

// Registry holds the collector descriptors known to this node, local and
// remote, plus the completion handlers for local ones.
type Registry struct {
	descriptors map[string]Descriptor
	completers  map[string]Completer
}

// NewRegistry creates an empty collector registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		completers:  make(map[string]Completer),
	}
}

// Register adds a local collector with its completion handler.
func (r *Registry) Register(d Descriptor, c Completer) error {
	if d.Name == "" {
		return fmt.Errorf("collector: name is required")
	}
	r.descriptors[d.Name] = d
	if c != nil {
		r.completers[d.Name] = c
	}
	return nil
}

// MergeRemote adds collectors advertised by remote nodes. A local
// descriptor with the same name is never overwritten.
func (r *Registry) MergeRemote(descs []Descriptor) {
	for _, d := range descs {
		if existing, ok := r.descriptors[d.Name]; ok && existing.NodeSlug == "" {
			continue
		}
		r.descriptors[d.Name] = d
	}
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Completer returns the completion handler for a local collector.
func (r *Registry) Completer(name string) (Completer, bool) {
	c, ok := r.completers[name]
	return c, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromConfig loads declared collectors from configuration. Config-declared
// collectors get a generated prompt per field and no completion handler;
// handlers are attached separately by the composition root.
func FromConfig(collectors map[string]*config.CollectorConfig) *Registry {
	r := NewRegistry()
	for name, cc := range collectors {
		if cc == nil {
			continue
		}
		d := Descriptor{
			Name:        name,
			Goal:        cc.Description,
			Description: cc.Description,
		}
		for _, f := range cc.Fields {
			ft := TypeString
			if f.Type == "array_of_object" {
				ft = TypeArray
			}
			d.Fields = append(d.Fields, Field{
				Name:     f.Name,
				Type:     ft,
				Required: f.Required,
				Prompt:   fmt.Sprintf("What is the %s?", strings.ReplaceAll(f.Name, "_", " ")),
			})
		}
		r.descriptors[name] = d
	}
	return r
}
