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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/session"
)

func TestIsShortFollowUp(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"1", true},
		{"42", true},
		{"yes", true},
		{"Yes.", true},
		{"nope", true},
		{"more", true},
		{"next", true},
		{"second", true},
		{"the second one", true},
		{"2nd", true},
		{"show me my latest emails", false},
		{"how many invoices do I have", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, IsShortFollowUp(tt.msg))
		})
	}
}

func TestParseOrdinal(t *testing.T) {
	tests := []struct {
		msg     string
		wantPos int
		wantOK  bool
	}{
		{"2", 2, true},
		{"2nd", 2, true},
		{"the second one", 2, true},
		{"first", 1, true},
		{"last", -1, true},
		{"the 3rd", 3, true},
		{"0", 0, false},
		{"second thoughts about this", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			pos, ok := ParseOrdinal(tt.msg)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantPos, pos)
			}
		})
	}
}

func TestResolvePositional(t *testing.T) {
	list := &session.EntityList{
		Type: "invoice",
		IDs:  []string{"A", "B", "C"},
	}

	id, entityType, ok := ResolvePositional("2", list)
	require.True(t, ok)
	assert.Equal(t, "B", id)
	assert.Equal(t, "invoice", entityType)

	id, _, ok = ResolvePositional("last", list)
	require.True(t, ok)
	assert.Equal(t, "C", id)

	_, _, ok = ResolvePositional("5", list)
	assert.False(t, ok, "out-of-range position must not resolve")

	_, _, ok = ResolvePositional("2", nil)
	assert.False(t, ok, "no entity-list memory means no resolution")
}

func TestSelectOption(t *testing.T) {
	turn := &session.Turn{
		Role:    session.RoleAssistant,
		Content: "Which account?\n1. Checking\n2. Savings\n3. Business",
		Metadata: map[string]any{
			"option_topic": "account_selection",
		},
	}

	menu, choice, ok := SelectOption("2", turn)
	require.True(t, ok)
	assert.Equal(t, "account_selection", menu.Topic)
	assert.Equal(t, 2, choice)
	assert.Equal(t, []string{"Checking", "Savings", "Business"}, menu.Options)

	_, _, ok = SelectOption("9", turn)
	assert.False(t, ok)

	// A numbered list without the option_topic marker is not a menu.
	plain := &session.Turn{Role: session.RoleAssistant, Content: "1. foo\n2. bar"}
	_, _, ok = SelectOption("1", plain)
	assert.False(t, ok)
}
