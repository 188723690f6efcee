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

// Package secret resolves named secrets (JWT signing keys, break-glass
// tokens, connector credentials referenced from configuration) from the
// process environment, falling back to the host OS keyring when the
// environment has no entry for a name.
package secret

import (
	"errors"
	"os"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when neither the environment nor the keyring
// holds a value for the requested name.
var ErrNotFound = errors.New("secret: not found")

// Resolver looks up a named secret from the environment first, then the
// OS keyring under a fixed service name. It has no notion of defaults or
// ${...} syntax — expandEnv in internal/config/env.go builds on top of it
// for that.
type Resolver struct {
	service         string
	keyringDisabled bool
}

// NewResolver constructs a Resolver that falls back to the OS keyring
// under the given service name (e.g. "dtbroker").
func NewResolver(service string) *Resolver {
	return &Resolver{service: service}
}

// Resolve returns the value of the named secret and true if found, by
// checking the environment and then the keyring in that order. A keyring
// that errors for any reason other than "not found" is treated as
// unavailable for the remainder of the process, matching the keychain
// provider's own availability-probe idiom.
func (r *Resolver) Resolve(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	if r.keyringDisabled {
		return "", false
	}

	v, err := keyring.Get(r.service, name)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			r.keyringDisabled = true
		}
		return "", false
	}
	return v, true
}
