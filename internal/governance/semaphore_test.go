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

package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore_LimitsConcurrency(t *testing.T) {
	sem := NewSemaphore(1)

	_, err := sem.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sem.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sem.Acquire(ctx)
	assert.Error(t, err, "second acquire should block until the deadline since capacity is 1")

	sem.Release()
	assert.Equal(t, 0, sem.InFlight())
}

func TestSemaphore_ReportsWaitTime(t *testing.T) {
	sem := NewSemaphore(1)
	_, _ = sem.Acquire(context.Background())

	go func() {
		time.Sleep(15 * time.Millisecond)
		sem.Release()
	}()

	wait, err := sem.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, wait, 10*time.Millisecond)
}
