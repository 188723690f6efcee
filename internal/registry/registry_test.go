// Copyright 2025 Tom Barlow
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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/governance"
)

func writeTempJSON(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRegisterAndGet(t *testing.T) {
	r := New(governance.DefaultConfig(), nil)
	path := writeTempJSON(t, `[]`)

	require.NoError(t, r.Register(connector.Config{ID: "orders", Name: "orders", Type: "json", Options: map[string]any{"path": path}}))

	c, err := r.Get("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", c.ID())
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New(governance.DefaultConfig(), nil)
	path := writeTempJSON(t, `[]`)
	cfg := connector.Config{ID: "orders", Name: "orders", Type: "json", Options: map[string]any{"path": path}}

	require.NoError(t, r.Register(cfg))
	err := r.Register(cfg)
	require.Error(t, err)
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	r := New(governance.DefaultConfig(), nil)
	err := r.Register(connector.Config{ID: "x", Name: "x", Type: "bogus"})
	require.Error(t, err)
}

func TestGetUnregisteredReturnsError(t *testing.T) {
	r := New(governance.DefaultConfig(), nil)
	_, err := r.Get("missing")
	require.Error(t, err)
}

func TestConnectAllAndSummaries(t *testing.T) {
	r := New(governance.DefaultConfig(), nil)
	path := writeTempJSON(t, `[]`)
	require.NoError(t, r.Register(connector.Config{ID: "orders", Name: "orders", Type: "json", Options: map[string]any{"path": path}}))

	require.NoError(t, r.ConnectAll(context.Background()))

	summaries := r.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "orders", summaries[0].ID)
	assert.Equal(t, string(connector.StateConnected), summaries[0].State)

	errs := r.DisconnectAll(context.Background())
	assert.Empty(t, errs)
}

func TestListIsSorted(t *testing.T) {
	r := New(governance.DefaultConfig(), nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		path := writeTempJSON(t, `[]`)
		require.NoError(t, r.Register(connector.Config{ID: id, Name: id, Type: "json", Options: map[string]any{"path": path}}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.List())
}
