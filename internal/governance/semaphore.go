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
	"time"
)

// Semaphore is a bounded counting semaphore backed by a buffered channel.
// Acquire reports how long the caller waited, for the queue-wait
// observability this server relies on.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore constructs a Semaphore admitting at most capacity
// concurrent holders.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{tokens: make(chan struct{}, capacity)}
}

// Acquire blocks until a token is available or ctx is done, returning the
// time spent waiting.
func (s *Semaphore) Acquire(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	select {
	case s.tokens <- struct{}{}:
		return time.Since(start), nil
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

// Release returns a token to the semaphore.
func (s *Semaphore) Release() {
	<-s.tokens
}

// InFlight returns the number of currently held tokens.
func (s *Semaphore) InFlight() int {
	return len(s.tokens)
}
