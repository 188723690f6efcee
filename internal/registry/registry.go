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

// Package registry holds the server's live connector set: one governed
// connector per configured id, built from the connector type named in
// configuration and kept in an in-memory map for the dispatcher and the
// trust primitives to look up by id.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/connector/file"
	"github.com/dtbroker/dtbroker/internal/connector/saas"
	"github.com/dtbroker/dtbroker/internal/connector/sql"
	"github.com/dtbroker/dtbroker/internal/governance"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

// Builder constructs a raw (ungoverned) connector from its configuration.
// Registered per connector type so new adapters can be added without
// touching Registry itself.
type Builder func(cfg connector.Config) (connector.Connector, error)

var builders = map[string]Builder{
	"csv":   func(cfg connector.Config) (connector.Connector, error) { return file.New(cfg) },
	"json":  func(cfg connector.Config) (connector.Connector, error) { return file.New(cfg) },
	"excel": func(cfg connector.Config) (connector.Connector, error) { return file.New(cfg) },

	"postgresql": func(cfg connector.Config) (connector.Connector, error) { return sql.New(cfg) },
	"mysql":      func(cfg connector.Config) (connector.Connector, error) { return sql.New(cfg) },
	"sqlite":     func(cfg connector.Config) (connector.Connector, error) { return sql.New(cfg) },

	"odoo":    func(cfg connector.Config) (connector.Connector, error) { return saas.New(cfg) },
	"hubspot": func(cfg connector.Config) (connector.Connector, error) { return saas.New(cfg) },
}

// SchemaBacked is the set of connector types the dispatcher must validate
// write_records payloads against a live schema for, per the Tool Dispatch
// Pipeline's write-path requirement.
var SchemaBacked = map[string]bool{
	"postgresql": true,
	"mysql":      true,
	"sqlite":     true,
	"odoo":       true,
	"hubspot":    true,
}

// entry pairs a governed connector with the raw config it was built from,
// so Reconnect can rebuild it without the caller re-supplying the config.
type entry struct {
	cfg       connector.Config
	governed  *governance.Governed
}

// Registry is the live set of configured connectors, keyed by id. Safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	govCfg   governance.Config
	metrics  *governance.Metrics
}

// New constructs an empty Registry. govCfg tunes every connector's
// governance wrapper (semaphore, timeout, circuit breaker); metrics may
// be nil to disable Prometheus emission.
func New(govCfg governance.Config, metrics *governance.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		govCfg:  govCfg,
		metrics: metrics,
	}
}

// Register builds a connector from cfg, wraps it in governance, and adds
// it to the registry under cfg.ID. It does not connect — callers invoke
// ConnectAll (or Connect for a single id) once every connector is
// registered.
func (r *Registry) Register(cfg connector.Config) error {
	build, ok := builders[cfg.Type]
	if !ok {
		return dtbrokererrors.Newf(dtbrokererrors.KindInvalidOptions, "unknown connector type %q for connector %q", cfg.Type, cfg.ID)
	}
	raw, err := build(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.ID]; exists {
		return dtbrokererrors.Newf(dtbrokererrors.KindInvalidOptions, "duplicate connector id %q", cfg.ID)
	}
	r.entries[cfg.ID] = &entry{cfg: cfg, governed: governance.Wrap(raw, r.govCfg, r.metrics)}
	return nil
}

// Get returns the governed connector for id, or an error carrying
// KindConnectorNotConnected-adjacent messaging if id is not registered.
func (r *Registry) Get(id string) (connector.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, dtbrokererrors.Newf(dtbrokererrors.KindConnectorNotConnected, "connector %q is not registered", id)
	}
	return e.governed, nil
}

// List returns the ids of every registered connector, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary describes one registered connector in the list_connectors
// tool response.
type Summary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	ReadOnly bool   `json:"readOnly"`
	State    string `json:"state"`
}

// Summaries returns a stable-ordered summary of every registered
// connector's current lifecycle state.
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.entries))
	for _, id := range r.sortedIDsLocked() {
		e := r.entries[id]
		out = append(out, Summary{
			ID:       e.governed.ID(),
			Name:     e.governed.Name(),
			Type:     e.governed.Type(),
			ReadOnly: e.governed.ReadOnly(),
			State:    string(e.governed.State()),
		})
	}
	return out
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectAll connects every registered connector, returning the first
// error encountered alongside the id it came from. Connectors already
// connected are skipped.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	ids := r.sortedIDsLocked()
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		e := r.entries[id]
		r.mu.RUnlock()
		if e.governed.State() == connector.StateConnected {
			continue
		}
		if err := e.governed.Connect(ctx); err != nil {
			return fmt.Errorf("connecting %q: %w", id, err)
		}
	}
	return nil
}

// DisconnectAll disconnects every registered connector, collecting (not
// stopping on) individual failures so a graceful shutdown drains as much
// as it can.
func (r *Registry) DisconnectAll(ctx context.Context) []error {
	r.mu.RLock()
	ids := r.sortedIDsLocked()
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		r.mu.RLock()
		e := r.entries[id]
		r.mu.RUnlock()
		if err := e.governed.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting %q: %w", id, err))
		}
	}
	return errs
}
