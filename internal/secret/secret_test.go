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

package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zalando/go-keyring"
)

func TestResolverPrefersEnvironmentOverKeyring(t *testing.T) {
	t.Setenv("DTBROKER_TEST_SECRET", "from-env")
	r := NewResolver("dtbroker-test")

	v, ok := r.Resolve("DTBROKER_TEST_SECRET")
	assert.True(t, ok)
	assert.Equal(t, "from-env", v)
}

func TestResolverMissingReturnsNotFound(t *testing.T) {
	r := NewResolver("dtbroker-test")

	_, ok := r.Resolve("DTBROKER_TEST_SECRET_DOES_NOT_EXIST")
	assert.False(t, ok)
}

func TestResolverFallsBackToKeyring(t *testing.T) {
	const service = "dtbroker-test-resolver"
	const key = "fallback-secret"

	if err := keyring.Set(service, key, "from-keyring"); err != nil {
		t.Skip("OS keyring not available in this environment")
	}
	t.Cleanup(func() { _ = keyring.Delete(service, key) })

	r := NewResolver(service)
	v, ok := r.Resolve(key)
	assert.True(t, ok)
	assert.Equal(t, "from-keyring", v)
}
