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
)

// extract runs one LLM field-extraction call for a user turn. Non-JSON
// output is treated as "no new fields extracted", never as an error; the
// engine simply re-prompts the user.
func extract(ctx context.Context, llm llms.LLMProvider, d Descriptor, collected map[string]any, askingFor, userMsg string) map[string]any {
	prompt := buildExtractionPrompt(d, collected, askingFor, userMsg)

	text, _, _, _, err := llm.Generate(ctx, []llms.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return nil
	}

	return parseExtraction(text)
}

// buildExtractionPrompt describes the already-collected map, the field
// currently being asked for, the full field schema, and the merge rules.
func buildExtractionPrompt(d Descriptor, collected map[string]any, askingFor, userMsg string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You extract structured data for the %q workflow: %s\n\n", d.Name, d.Goal)

	b.WriteString("Fields:\n")
	for _, f := range d.Fields {
		fmt.Fprintf(&b, "- %s (%s", f.Name, f.Type)
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Min != nil || f.Max != nil {
			b.WriteString(" [")
			if f.Min != nil {
				fmt.Fprintf(&b, "min %v", *f.Min)
			}
			if f.Max != nil {
				if f.Min != nil {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "max %v", *f.Max)
			}
			b.WriteString("]")
		}
		b.WriteString("\n")
	}

	if len(collected) > 0 {
		if enc, err := json.Marshal(collected); err == nil {
			fmt.Fprintf(&b, "\nAlready collected: %s\n", enc)
		}
	}
	if askingFor != "" {
		fmt.Fprintf(&b, "\nThe user was just asked for: %s\n", askingFor)
	}

	fmt.Fprintf(&b, "\nUser message: %s\n\n", userMsg)

	b.WriteString("Return ONLY a JSON object with the fields the message supplies.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Omit fields the message says nothing about; never invent values.\n")
	b.WriteString("- For array fields, return only the items the message adds or changes.\n")
	b.WriteString("- To remove items from an array field, return them under \"<field>_remove\".\n")
	b.WriteString("- No prose, no code fences, just the JSON object.\n")

	return b.String()
}

// parseExtraction parses the model's output as a strict JSON object.
// A code-fenced object is tolerated; anything else yields nil.
func parseExtraction(text string) map[string]any {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "{") {
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil
	}
	return out
}
