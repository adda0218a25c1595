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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// declFile is the YAML shape of a collector declaration file. One file
// declares one collector.
type declFile struct {
	Name             string   `yaml:"name"`
	Goal             string   `yaml:"goal"`
	Description      string   `yaml:"description"`
	TriggerPhrases   []string `yaml:"trigger_phrases"`
	CompletionAction string   `yaml:"completion_action"`
	Fields           []struct {
		Name      string   `yaml:"name"`
		Type      string   `yaml:"type"`
		Required  bool     `yaml:"required"`
		Prompt    string   `yaml:"prompt"`
		Min       *float64 `yaml:"min"`
		Max       *float64 `yaml:"max"`
		ChildFlow string   `yaml:"child_flow"`
	} `yaml:"fields"`
}

// LoadDir reads every .yaml/.yml collector declaration in a directory.
// Declarations are pure data; completion handlers are attached separately
// by the composition root.
func LoadDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("collector: read declarations dir %q: %w", dir, err)
	}

	var out []Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("collector: read %q: %w", entry.Name(), err)
		}

		var decl declFile
		if err := yaml.Unmarshal(raw, &decl); err != nil {
			return nil, fmt.Errorf("collector: parse %q: %w", entry.Name(), err)
		}
		if decl.Name == "" {
			return nil, fmt.Errorf("collector: %q: name is required", entry.Name())
		}

		d := Descriptor{
			Name:             decl.Name,
			Goal:             decl.Goal,
			Description:      decl.Description,
			TriggerPhrases:   decl.TriggerPhrases,
			CompletionAction: decl.CompletionAction,
		}
		for _, f := range decl.Fields {
			ft := FieldType(f.Type)
			if ft == "" {
				ft = TypeString
			}
			prompt := f.Prompt
			if prompt == "" {
				prompt = fmt.Sprintf("What is the %s?", strings.ReplaceAll(f.Name, "_", " "))
			}
			d.Fields = append(d.Fields, Field{
				Name:      f.Name,
				Type:      ft,
				Required:  f.Required,
				Prompt:    prompt,
				Min:       f.Min,
				Max:       f.Max,
				ChildFlow: f.ChildFlow,
			})
		}
		out = append(out, d)
	}
	return out, nil
}
