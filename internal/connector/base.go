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

package connector

import "sync"

// Base holds the identity and lifecycle state shared by every adapter.
// File, SQL, and SaaS connectors embed Base instead of inheriting from a
// common parent type; each adapter implements only the methods that
// differ (GetSchema, ReadRecords, WriteRecords, ValidateRecords,
// TestConnection, Connect, Disconnect).
type Base struct {
	mu       sync.RWMutex
	id       string
	name     string
	typeTag  string
	readOnly bool
	state    ConnectionState
}

// NewBase constructs a Base in the disconnected state.
func NewBase(id, name, typeTag string, readOnly bool) *Base {
	return &Base{
		id:       id,
		name:     name,
		typeTag:  typeTag,
		readOnly: readOnly,
		state:    StateDisconnected,
	}
}

func (b *Base) ID() string     { return b.id }
func (b *Base) Name() string   { return b.name }
func (b *Base) Type() string   { return b.typeTag }
func (b *Base) ReadOnly() bool { return b.readOnly }

// State returns the current connection state.
func (b *Base) State() ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState updates the connection state. Adapters call this from Connect,
// Disconnect, and whenever an operation discovers the connection has
// failed.
func (b *Base) SetState(s ConnectionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}
