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

package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadBundle reads and parses the policy bundle at path. Beyond YAML
// decoding it checks only that version is set and that defaultAction is
// allow or deny; it makes no other semantic checks.
func LoadBundle(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy bundle: %w", err)
	}

	var pol Policy
	if err := yaml.Unmarshal(raw, &pol); err != nil {
		return Policy{}, fmt.Errorf("parsing policy bundle: %w", err)
	}
	if pol.Version == "" {
		return Policy{}, fmt.Errorf("policy bundle: version is required")
	}
	if pol.DefaultAction != ActionAllow && pol.DefaultAction != ActionDeny {
		return Policy{}, fmt.Errorf("policy bundle: defaultAction must be %q or %q, got %q", ActionAllow, ActionDeny, pol.DefaultAction)
	}
	return pol, nil
}
