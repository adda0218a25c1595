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

import "strings"

// humanKeys are tried in order to identify items within an
// array-of-objects field when merging.
var humanKeys = []string{"name", "id", "title"}

const removeSuffix = "_remove"

// Merge folds newly extracted values into the collected-data map.
//
// Rules: scalar fields overwrite; arrays of objects merge by human-key
// match (matched items are field-wise merged, unmatched items appended);
// an explicit "<field>_remove" key drops matching items.
func Merge(existing, extracted map[string]any) map[string]any {
	if existing == nil {
		existing = make(map[string]any)
	}

	// Apply removals first so "replace the widgets line" style turns
	// (remove + re-add in one extraction) behave predictably.
	for key, value := range extracted {
		if !strings.HasSuffix(key, removeSuffix) {
			continue
		}
		field := strings.TrimSuffix(key, removeSuffix)
		existing[field] = removeItems(existing[field], value)
	}

	for key, value := range extracted {
		if strings.HasSuffix(key, removeSuffix) || value == nil {
			continue
		}

		newItems, newIsList := value.([]any)
		oldItems, oldIsList := existing[key].([]any)
		if newIsList && oldIsList {
			existing[key] = mergeLists(oldItems, newItems)
			continue
		}
		existing[key] = value
	}

	return existing
}

// mergeLists merges two arrays-of-objects by human key. Items without a
// recognizable key are appended as-is.
func mergeLists(old, add []any) []any {
	out := make([]any, len(old))
	copy(out, old)

	for _, item := range add {
		obj, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		key, keyVal := itemKey(obj)
		if key == "" {
			out = append(out, item)
			continue
		}

		merged := false
		for i, existing := range out {
			eobj, ok := existing.(map[string]any)
			if !ok {
				continue
			}
			if ek, ev := itemKey(eobj); ek == key && ev == keyVal {
				for k, v := range obj {
					eobj[k] = v
				}
				out[i] = eobj
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, item)
		}
	}
	return out
}

// removeItems drops items from an array-of-objects field whose human key
// matches any entry in the removal spec. The spec may be a list of
// objects, a list of bare key values, or a single value.
func removeItems(current, spec any) any {
	items, ok := current.([]any)
	if !ok {
		return current
	}

	var keys []string
	switch s := spec.(type) {
	case []any:
		for _, entry := range s {
			switch e := entry.(type) {
			case map[string]any:
				if _, v := itemKey(e); v != "" {
					keys = append(keys, v)
				}
			case string:
				keys = append(keys, e)
			}
		}
	case string:
		keys = append(keys, s)
	case map[string]any:
		if _, v := itemKey(s); v != "" {
			keys = append(keys, v)
		}
	}

	if len(keys) == 0 {
		return current
	}

	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[strings.ToLower(k)] = true
	}

	out := items[:0:0]
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			if _, v := itemKey(obj); v != "" && drop[strings.ToLower(v)] {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// itemKey returns the first human key present on an object and its string
// value.
func itemKey(obj map[string]any) (key, value string) {
	for _, k := range humanKeys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return k, s
			}
		}
	}
	return "", ""
}
