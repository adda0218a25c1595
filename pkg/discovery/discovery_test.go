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

package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/registry"
)

// mapFetcher serves summaries from a map and counts fetches.
type mapFetcher struct {
	summaries map[string]NodeSummary
	fetches   int
}

func (f *mapFetcher) FetchCapabilities(ctx context.Context, node *registry.Node) (NodeSummary, error) {
	f.fetches++
	s, ok := f.summaries[node.Slug]
	if !ok {
		return NodeSummary{}, fmt.Errorf("no summary for %s", node.Slug)
	}
	return s, nil
}

func newClusterRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry(nil)
	for _, slug := range []string{"mail", "billing"} {
		_, err := reg.Register(registry.Description{
			Slug:    slug,
			BaseURL: "http://" + slug + ".internal",
			Type:    registry.NodeChild,
		})
		require.NoError(t, err)
	}
	return reg
}

func localSummary() NodeSummary {
	return NodeSummary{
		Slug:        "master",
		Description: "Master node",
		Domains:     []string{"general"},
		Collections: []string{"documents"},
	}
}

func clusterFetcher() *mapFetcher {
	return &mapFetcher{summaries: map[string]NodeSummary{
		"mail":    {Slug: "mail", Description: "Mail service", Domains: []string{"email"}, Collections: []string{"emails"}},
		"billing": {Slug: "billing", Description: "Billing service", Domains: []string{"finance"}, Collections: []string{"invoices"}},
	}}
}

func TestRoutingDigestIsDeterministic(t *testing.T) {
	// Property 6: byte-identical text for identical registry state.
	reg := newClusterRegistry(t)
	m := New(reg, clusterFetcher(), time.Minute, localSummary(), 0)

	d1, err := m.RoutingDigest(context.Background())
	require.NoError(t, err)
	d2, err := m.RoutingDigest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Contains(t, d1, "- master: Master node")
	assert.Contains(t, d1, "- billing: Billing service [domains: finance] [collections: invoices]")
	assert.Contains(t, d1, "- mail: Mail service [domains: email] [collections: emails]")
}

func TestSummariesAreCachedUntilTTL(t *testing.T) {
	reg := newClusterRegistry(t)
	fetcher := clusterFetcher()
	m := New(reg, fetcher, time.Minute, localSummary(), 0)

	_, err := m.RoutingDigest(context.Background())
	require.NoError(t, err)
	first := fetcher.fetches

	_, err = m.RoutingDigest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, fetcher.fetches, "second digest is served from cache")
}

func TestInvalidateForcesRefetch(t *testing.T) {
	reg := newClusterRegistry(t)
	fetcher := clusterFetcher()
	m := New(reg, fetcher, time.Minute, localSummary(), 0)

	_, err := m.RoutingDigest(context.Background())
	require.NoError(t, err)
	before := fetcher.fetches

	m.Invalidate("mail")
	_, err = m.RoutingDigest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, fetcher.fetches, "only the invalidated node is refetched")
}

func TestDiscoverCollectionsMergesLocalAndRemote(t *testing.T) {
	reg := newClusterRegistry(t)
	m := New(reg, clusterFetcher(), time.Minute, localSummary(), 0)

	cols, err := m.DiscoverCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"documents", "emails", "invoices"}, cols)
}

func TestDiscoverCollectorsAndTools(t *testing.T) {
	reg := newClusterRegistry(t)
	fetcher := clusterFetcher()
	fetcher.summaries["mail"] = NodeSummary{
		Slug:       "mail",
		Collectors: []string{"send_email"},
		Tools:      []string{"search_inbox"},
	}
	local := localSummary()
	local.Collectors = []string{"create_invoice"}
	local.Tools = []string{"search_inbox"}
	m := New(reg, fetcher, time.Minute, local, 0)

	collectors, err := m.DiscoverCollectors(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "", collectors["create_invoice"], "local collector has no owning slug")
	assert.Equal(t, "mail", collectors["send_email"])

	localOnly, err := m.DiscoverCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, localOnly, 1)

	tools, err := m.DiscoverTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", tools["search_inbox"], "local tool wins the name collision")
}

func TestDigestSkipsUnreachableNodes(t *testing.T) {
	reg := newClusterRegistry(t)
	fetcher := clusterFetcher()
	delete(fetcher.summaries, "billing")
	m := New(reg, fetcher, time.Minute, localSummary(), 0)

	d, err := m.RoutingDigest(context.Background())
	require.NoError(t, err)
	assert.Contains(t, d, "- mail:")
	assert.NotContains(t, d, "- billing:")
}
