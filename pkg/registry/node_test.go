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

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mailDescription() Description {
	return Description{
		Slug:        "mail",
		DisplayName: "Mail service",
		BaseURL:     "http://mail.internal",
		Type:        NodeChild,
		Capabilities: Capabilities{
			Collections: []string{"emails"},
			DomainTags:  []string{"email"},
		},
		Version: "1.0.0",
	}
}

func TestRegisterIsIdempotentBySlugAndRotatesCredentials(t *testing.T) {
	// Property 7: re-registering preserves identity, only rotates the
	// credential.
	r := NewRegistry(nil)

	n1, err := r.Register(mailDescription())
	require.NoError(t, err)
	cred1 := n1.CredentialID
	registeredAt := n1.RegisteredAt

	desc := mailDescription()
	desc.Version = "1.1.0"
	n2, err := r.Register(desc)
	require.NoError(t, err)

	assert.Same(t, n1, n2, "same slug keeps the same node record")
	assert.Equal(t, registeredAt, n2.RegisteredAt)
	assert.Equal(t, "1.1.0", n2.Version)
	assert.NotEqual(t, cred1, n2.CredentialID, "credential is rotated")

	stats := r.Statistics()
	assert.Equal(t, 1, stats.Total)
}

func TestRegisterRequiresSlug(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(Description{})
	assert.Error(t, err)
}

func TestFindForCollectionMatchesExactAndPluralForms(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(mailDescription())
	require.NoError(t, err)

	n, ok := r.FindForCollection("emails")
	require.True(t, ok)
	assert.Equal(t, "mail", n.Slug)

	n, ok = r.FindForCollection("email")
	require.True(t, ok, "singular form matches a plural declaration")
	assert.Equal(t, "mail", n.Slug)

	_, ok = r.FindForCollection("invoices")
	assert.False(t, ok)
}

func TestFindForCollectionSkipsInactiveNodes(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(mailDescription())
	require.NoError(t, err)
	require.NoError(t, r.Deactivate("mail"))

	_, ok := r.FindForCollection("emails")
	assert.False(t, ok)
}

func TestFindForCollectionPrefersLeastLoaded(t *testing.T) {
	r := NewRegistry(nil)

	descA := mailDescription()
	descA.Slug = "mail-a"
	_, err := r.Register(descA)
	require.NoError(t, err)

	descB := mailDescription()
	descB.Slug = "mail-b"
	_, err = r.Register(descB)
	require.NoError(t, err)

	// mail-a has a poor success rate, so its load score is worse.
	now := time.Now()
	require.NoError(t, r.UpdateHealth("mail-a", HealthSample{Success: false, At: now}))
	require.NoError(t, r.UpdateHealth("mail-a", HealthSample{Success: true, At: now}))
	require.NoError(t, r.UpdateHealth("mail-b", HealthSample{Success: true, At: now}))

	// Give both a connection so the success-rate term differentiates them.
	r.AddConnection("mail-a")
	r.AddConnection("mail-b")

	n, ok := r.FindForCollection("emails")
	require.True(t, ok)
	assert.Equal(t, "mail-b", n.Slug)
}

func TestHealthTransitions(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(mailDescription())
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.UpdateHealth("mail", HealthSample{Success: false, At: now}))
	}
	n, _ := r.GetBySlug("mail")
	assert.Equal(t, NodeError, n.Status, "three consecutive ping failures mark the node error")

	require.NoError(t, r.UpdateHealth("mail", HealthSample{Success: true, Latency: 20 * time.Millisecond, At: now}))
	assert.Equal(t, NodeActive, n.Status, "one successful ping restores active")

	report, err := r.GetHealthReport("mail")
	require.NoError(t, err)
	assert.Equal(t, 3, report.PingFailureCount)
	assert.InDelta(t, 0.25, report.SuccessRate, 0.001)
}

func TestStatisticsCountsByStatus(t *testing.T) {
	r := NewRegistry(nil)

	for _, slug := range []string{"a", "b", "c"} {
		desc := mailDescription()
		desc.Slug = slug
		_, err := r.Register(desc)
		require.NoError(t, err)
	}
	require.NoError(t, r.Deactivate("c"))

	stats := r.Statistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Inactive)
}
