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

package plugintool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/tool"
)

// inProcessService fakes a plugin without spawning a binary.
type inProcessService struct{}

func (inProcessService) Describe() (Manifest, error) {
	return Manifest{
		Name:        "disk_usage",
		Description: "reports disk usage",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
	}, nil
}

func (inProcessService) Invoke(args map[string]any) (map[string]any, error) {
	return map[string]any{"path": args["path"], "bytes": float64(42)}, nil
}

func TestPluginToolAdaptsServiceToCallableTool(t *testing.T) {
	svc := inProcessService{}
	manifest, err := svc.Describe()
	require.NoError(t, err)

	var pt tool.CallableTool = &pluginTool{svc: svc, manifest: manifest}

	assert.Equal(t, "disk_usage", pt.Name())
	assert.Equal(t, "reports disk usage", pt.Description())
	assert.NotNil(t, pt.Schema())

	out, err := pt.Call(tool.NewContext(context.Background(), "s1", ""), map[string]any{"path": "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp", out["path"])
}

func TestRPCServerRoundTripsManifest(t *testing.T) {
	s := &rpcServer{impl: inProcessService{}}

	var m Manifest
	require.NoError(t, s.Describe(struct{}{}, &m))
	assert.Equal(t, "disk_usage", m.Name)

	var out map[string]any
	require.NoError(t, s.Invoke(InvokeArgs{Args: map[string]any{"path": "/var"}}, &out))
	assert.Equal(t, "/var", out["path"])
}
