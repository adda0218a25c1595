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
	"regexp"
	"strconv"
	"strings"

	"github.com/relaymesh/relay/pkg/session"
)

var (
	pureNumericRe = regexp.MustCompile(`^\d{1,4}$`)
	ordinalRe     = regexp.MustCompile(`^(?:the\s+)?(\d{1,2})(?:st|nd|rd|th)?(?:\s+one)?$`)
)

// ordinalWords maps spelled-out positional ordinals to 1-based positions.
var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"last": -1,
}

// confirmationWords are short affirmative/negative replies that keep a
// routed session on its current node.
var confirmationWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "ok": true, "okay": true,
	"sure": true, "no": true, "nope": true, "correct": true, "right": true,
}

// paginationWords are short list-navigation replies.
var paginationWords = map[string]bool{
	"more": true, "next": true, "previous": true, "prev": true,
	"back": true, "continue": true,
}

func normalizeMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(msg), ".!?")))
}

// IsPureNumeric reports whether the message is only a number.
func IsPureNumeric(msg string) bool {
	return pureNumericRe.MatchString(normalizeMsg(msg))
}

// IsConfirmation reports whether the message is a bare confirmation word.
func IsConfirmation(msg string) bool {
	return confirmationWords[normalizeMsg(msg)]
}

// IsPagination reports whether the message is a bare pagination word.
func IsPagination(msg string) bool {
	return paginationWords[normalizeMsg(msg)]
}

// ParseOrdinal extracts a 1-based position from a purely positional
// message ("2", "2nd", "the second one", "last"). A second return of
// false means the message is not a positional ordinal. The position -1
// means "last".
func ParseOrdinal(msg string) (int, bool) {
	n := normalizeMsg(msg)

	if pos, ok := ordinalWords[n]; ok {
		return pos, true
	}
	if pos, ok := ordinalWords[strings.TrimSuffix(strings.TrimPrefix(n, "the "), " one")]; ok {
		return pos, true
	}
	if m := ordinalRe.FindStringSubmatch(n); m != nil {
		pos, err := strconv.Atoi(m[1])
		if err != nil || pos == 0 {
			return 0, false
		}
		return pos, true
	}
	return 0, false
}

// IsShortFollowUp reports whether the message matches the short-follow-up
// pattern that keeps a routed session pinned without re-classification:
// pure numeric, confirmation word, pagination word, or positional ordinal.
func IsShortFollowUp(msg string) bool {
	if IsPureNumeric(msg) || IsConfirmation(msg) || IsPagination(msg) {
		return true
	}
	_, ok := ParseOrdinal(msg)
	return ok
}

// ResolvePositional resolves a positional ordinal against the session's
// entity-list memory, returning the selected entity id and type.
func ResolvePositional(msg string, list *session.EntityList) (id, entityType string, ok bool) {
	if list == nil || len(list.IDs) == 0 {
		return "", "", false
	}
	pos, isOrdinal := ParseOrdinal(msg)
	if !isOrdinal {
		return "", "", false
	}
	if pos == -1 {
		return list.IDs[len(list.IDs)-1], list.Type, true
	}
	if pos < 1 || pos > len(list.IDs) {
		return "", "", false
	}
	return list.IDs[pos-1], list.Type, true
}

// numberedListRe matches "1. something" / "2) something" lines in an
// assistant turn, the shape option menus are rendered in.
var numberedListRe = regexp.MustCompile(`(?m)^\s*(\d{1,2})[.)]\s+(.+)$`)

// OptionMenu is a numbered option list parsed from the last assistant turn.
type OptionMenu struct {
	Topic   string
	Options []string
}

// ParseOptionMenu extracts a numbered option list from an assistant turn,
// if the turn's metadata marks it as an option menu. The topic comes from
// the turn's metadata so the specialized handler knows which flow the
// selection belongs to.
func ParseOptionMenu(turn *session.Turn) (OptionMenu, bool) {
	if turn == nil || turn.Role != session.RoleAssistant {
		return OptionMenu{}, false
	}
	topic, _ := turn.Metadata["option_topic"].(string)
	if topic == "" {
		return OptionMenu{}, false
	}
	matches := numberedListRe.FindAllStringSubmatch(turn.Content, -1)
	if len(matches) == 0 {
		return OptionMenu{}, false
	}
	menu := OptionMenu{Topic: topic}
	for _, m := range matches {
		menu.Options = append(menu.Options, strings.TrimSpace(m[2]))
	}
	return menu, true
}

// SelectOption resolves a numeric reply against the option menu in the
// last assistant turn.
func SelectOption(msg string, turn *session.Turn) (menu OptionMenu, choice int, ok bool) {
	menu, found := ParseOptionMenu(turn)
	if !found {
		return OptionMenu{}, 0, false
	}
	n := normalizeMsg(msg)
	if !pureNumericRe.MatchString(n) {
		return OptionMenu{}, 0, false
	}
	pos, _ := strconv.Atoi(n)
	if pos < 1 || pos > len(menu.Options) {
		return OptionMenu{}, 0, false
	}
	return menu, pos, true
}
