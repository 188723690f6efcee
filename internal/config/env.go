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

package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dtbroker/dtbroker/internal/secret"
)

// validEnvVarName matches valid environment variable names.
var validEnvVarName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// expandEnv expands every ${NAME} and ${NAME:-default} reference in value.
// NAME is resolved through resolver (environment, then OS keyring); a bare
// ${NAME} with no default fails closed if NAME resolves nowhere, while
// ${NAME:-default} falls back to the literal default text instead.
func expandEnv(value string, resolver *secret.Resolver) (string, error) {
	if !strings.Contains(value, "${") {
		return value, nil
	}

	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("malformed reference: unclosed ${ in %q", value)
		}
		end += start

		inner := result[start+2 : end]
		name, def, hasDefault := splitDefault(inner)

		if !validEnvVarName.MatchString(name) {
			return "", fmt.Errorf("invalid variable name %q (must be alphanumeric with underscores)", name)
		}

		resolved, ok := resolver.Resolve(name)
		if !ok {
			if !hasDefault {
				return "", fmt.Errorf("variable %q: %w", name, secret.ErrNotFound)
			}
			resolved = def
		}

		result = result[:start] + resolved + result[end+1:]
	}
	return result, nil
}

// splitDefault splits "NAME:-default" into ("NAME", "default", true), or
// returns ("NAME", "", false) when there is no ":-" separator.
func splitDefault(inner string) (name, def string, hasDefault bool) {
	idx := strings.Index(inner, ":-")
	if idx == -1 {
		return inner, "", false
	}
	return inner[:idx], inner[idx+2:], true
}
