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

// Package file implements connector.Connector over flat files: CSV and
// JSON, with Excel accepted as a type tag but served by the CSV code path
// since no spreadsheet codec is wired into this build (see DESIGN.md).
// Every write is a whole-file rewrite performed through an atomic
// temp-then-rename sequence, after which the cached inferred schema is
// dropped so the next getSchema call re-infers from the new content.
package file

import (
	"fmt"
	"strings"

	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

const (
	defaultDelimiter       = ","
	defaultEscapeChar      = "'"
	defaultMaxFileBytes    = 50 * 1024 * 1024
	formulaPrefixCharClass = "=+-@"
)

// Options is the file connector's type-specific configuration, decoded
// from connector.Config.Options.
type Options struct {
	Path             string
	Delimiter        string
	EscapeChar       string
	SanitizeFormulas bool
	RecordsPath      string
	MaxFileBytes     int64
}

func parseOptions(typeTag string, raw map[string]any) (Options, error) {
	opts := Options{
		Delimiter:        defaultDelimiter,
		EscapeChar:       defaultEscapeChar,
		SanitizeFormulas: true,
		MaxFileBytes:     defaultMaxFileBytes,
	}

	path, _ := raw["path"].(string)
	if path == "" {
		return Options{}, errors.New(errors.KindConfigurationError, "file connector requires a non-empty \"path\" option")
	}
	opts.Path = path

	if d, ok := raw["delimiter"].(string); ok && d != "" {
		if len(d) != 1 {
			return Options{}, errors.New(errors.KindConfigurationError, "\"delimiter\" must be a single character")
		}
		opts.Delimiter = d
	}
	if e, ok := raw["escapeChar"].(string); ok && e != "" {
		if len(e) != 1 {
			return Options{}, errors.New(errors.KindConfigurationError, "\"escapeChar\" must be a single character")
		}
		opts.EscapeChar = e
	}
	if v, ok := raw["sanitizeFormulas"].(bool); ok {
		opts.SanitizeFormulas = v
	}
	if p, ok := raw["recordsPath"].(string); ok {
		if err := validateRecordsPath(p); err != nil {
			return Options{}, err
		}
		opts.RecordsPath = p
	}
	if m, ok := raw["maxFileBytes"].(int); ok && m > 0 {
		opts.MaxFileBytes = int64(m)
	}

	switch typeTag {
	case "csv", "json", "excel":
	default:
		return Options{}, errors.Newf(errors.KindConfigurationError, "unsupported file connector type %q", typeTag)
	}

	return opts, nil
}

// validateRecordsPath rejects a JSON recordsPath whose dot-separated
// segments contain an empty segment or a forbidden record key; traversal
// itself is own-property lookup only, performed in json.go.
func validateRecordsPath(p string) error {
	for _, seg := range strings.Split(p, ".") {
		if seg == "" {
			return errors.New(errors.KindConfigurationError, "recordsPath segments must not be empty")
		}
		if record.IsForbiddenKey(seg) {
			return errors.Newf(errors.KindConfigurationError, "recordsPath segment %q is a forbidden key", seg)
		}
	}
	return nil
}

func formulaSanitize(escapeChar string, s string) string {
	trimmed := strings.TrimLeft(s, "\t\r\n ")
	if trimmed == "" {
		return s
	}
	if strings.ContainsRune(formulaPrefixCharClass, rune(trimmed[0])) {
		leading := s[:len(s)-len(trimmed)]
		return leading + escapeChar + trimmed
	}
	return s
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch tv := v.(type) {
	case string:
		return tv
	case bool:
		if tv {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", tv)
	}
}
