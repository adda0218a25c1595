// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// nodeCredentials is the token pair handed to a peer on registration.
type nodeCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

// credentialStore mints and validates the bearer tokens peers use on
// node-to-node calls. Access tokens expire; refresh tokens live until the
// node re-registers (which rotates both).
type credentialStore struct {
	mu        sync.RWMutex
	accessTTL time.Duration

	// token -> grant
	access  map[string]*grant
	refresh map[string]*grant

	// slug -> current tokens, so re-registration can revoke the old pair
	bySlug map[string]*grantPair
}

type grant struct {
	slug      string
	expiresAt time.Time // zero for refresh tokens
}

type grantPair struct {
	access  string
	refresh string
}

func newCredentialStore(accessTTL time.Duration) *credentialStore {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &credentialStore{
		accessTTL: accessTTL,
		access:    make(map[string]*grant),
		refresh:   make(map[string]*grant),
		bySlug:    make(map[string]*grantPair),
	}
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Issue mints a fresh token pair for a node, revoking any previous pair.
func (s *credentialStore) Issue(slug string) nodeCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.bySlug[slug]; ok {
		delete(s.access, old.access)
		delete(s.refresh, old.refresh)
	}

	creds := nodeCredentials{
		AccessToken:  randomToken(),
		RefreshToken: randomToken(),
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}
	s.access[creds.AccessToken] = &grant{slug: slug, expiresAt: time.Now().Add(s.accessTTL)}
	s.refresh[creds.RefreshToken] = &grant{slug: slug}
	s.bySlug[slug] = &grantPair{access: creds.AccessToken, refresh: creds.RefreshToken}
	return creds
}

// Refresh exchanges a refresh token for a new access token.
func (s *credentialStore) Refresh(refreshToken string) (nodeCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.refresh[refreshToken]
	if !ok {
		return nodeCredentials{}, fmt.Errorf("unknown refresh token")
	}

	if pair, ok := s.bySlug[g.slug]; ok {
		delete(s.access, pair.access)
	}

	access := randomToken()
	s.access[access] = &grant{slug: g.slug, expiresAt: time.Now().Add(s.accessTTL)}
	s.bySlug[g.slug] = &grantPair{access: access, refresh: refreshToken}

	return nodeCredentials{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// Validate resolves an access token to the node slug it was issued to.
func (s *credentialStore) Validate(accessToken string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.access[accessToken]
	if !ok || time.Now().After(g.expiresAt) {
		return "", false
	}
	return g.slug, true
}
