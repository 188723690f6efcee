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

package audit

import "regexp"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeID collapses any run of characters outside [A-Za-z0-9_-] —
// including '.', '/', and any path separator — into a single underscore,
// so a connector id or snapshot id can never be used to escape the
// configured base directory via a `.` or `../` segment.
func sanitizeID(id string) string {
	s := unsafePathChars.ReplaceAllString(id, "_")
	if s == "" {
		s = "_"
	}
	return s
}
