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

package ratelimit

import (
	"context"
	"fmt"

	"github.com/relaymesh/relay/pkg/session"
)

// RateLimitedSessionStore wraps a session.Store with per-session write
// rate limiting, bounding how fast any single session can accumulate
// turns.
type RateLimitedSessionStore struct {
	base    session.Store
	limiter RateLimiter
	scope   Scope
}

// NewRateLimitedSessionStore wraps base with the limiter. scope is
// usually ScopeSession.
func NewRateLimitedSessionStore(base session.Store, limiter RateLimiter, scope Scope) *RateLimitedSessionStore {
	return &RateLimitedSessionStore{base: base, limiter: limiter, scope: scope}
}

// Load passes through without limiting; reads are cheap.
func (s *RateLimitedSessionStore) Load(ctx context.Context, sessionID string) (*session.Context, error) {
	return s.base.Load(ctx, sessionID)
}

// Save checks and records the session's write budget before persisting.
// Token count is approximated from the most recent turn.
func (s *RateLimitedSessionStore) Save(ctx context.Context, c *session.Context) error {
	tokens := int64(0)
	if n := len(c.Log); n > 0 {
		// ~4 characters per token
		tokens = int64(len(c.Log[n-1].Content) / 4)
	}

	result, err := s.limiter.CheckAndRecord(ctx, s.scope, c.SessionID, tokens, 1)
	if err != nil {
		return fmt.Errorf("ratelimit: session %q check failed: %w", c.SessionID, err)
	}
	if !result.Allowed {
		return &RateLimitError{Message: result.Reason, Result: result}
	}
	return s.base.Save(ctx, c)
}

// Delete passes through.
func (s *RateLimitedSessionStore) Delete(ctx context.Context, sessionID string) error {
	return s.base.Delete(ctx, sessionID)
}

var _ session.Store = (*RateLimitedSessionStore)(nil)
