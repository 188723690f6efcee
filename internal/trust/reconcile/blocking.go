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

package reconcile

import (
	"strings"

	"github.com/dtbroker/dtbroker/internal/record"
)

const blockingUnitSeparator = ""

// blockIndex maps a blocking key to the target record indexes sharing it.
// An index in BlockingOff mode (as buildBlockIndex returns for blocking
// off), or a nil index, means every source row is checked against every
// target row.
type blockIndex struct {
	mode BlockingMode
	buckets map[string][]int
}

func buildBlockIndex(targets []record.Record, opts Options) *blockIndex {
	mode := opts.Blocking.Mode
	if mode == "" {
		mode = BlockingAuto
	}
	if mode == BlockingOff {
		return &blockIndex{mode: BlockingOff}
	}

	idx := &blockIndex{mode: mode, buckets: make(map[string][]int)}
	for ti, tgt := range targets {
		key, ok := targetBlockKey(tgt, opts)
		if !ok {
			continue
		}
		idx.buckets[key] = append(idx.buckets[key], ti)
	}
	return idx
}

// candidateTargets returns the indexes of target records that should be
// compared against the source record at si. Configured blocking falls
// back to a full scan for a row whose key yields an empty bucket.
func candidateTargets(si int, src record.Record, targets []record.Record, idx *blockIndex, opts Options) []int {
	if idx == nil || idx.mode == BlockingOff {
		return allIndexes(len(targets))
	}

	key, ok := sourceBlockKey(src, opts)
	if !ok {
		return allIndexes(len(targets))
	}

	bucket, found := idx.buckets[key]
	if !found || len(bucket) == 0 {
		if opts.Blocking.Mode == BlockingConfigured {
			return allIndexes(len(targets))
		}
		return nil
	}
	return bucket
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// sourceBlockKey and targetBlockKey derive the blocking key from the
// appropriate side's record. In auto mode the key is the composite of
// every required equals rule's field value, joined by a unit separator.
// In configured mode it's a single configured field run through the
// configured key-derivation algorithm.
func sourceBlockKey(r record.Record, opts Options) (string, bool) {
	return blockKey(r, opts, true)
}

func targetBlockKey(r record.Record, opts Options) (string, bool) {
	return blockKey(r, opts, false)
}

func blockKey(r record.Record, opts Options, isSource bool) (string, bool) {
	mode := opts.Blocking.Mode
	if mode == "" {
		mode = BlockingAuto
	}

	switch mode {
	case BlockingAuto:
		return autoBlockKey(r, opts.Rules, isSource)
	case BlockingConfigured:
		field := opts.Blocking.TargetField
		if isSource {
			field = opts.Blocking.SourceField
		}
		v, ok := r[field]
		if !ok || v == nil {
			return "", false
		}
		return boundKey(configuredBlockKey(toText(v), opts.Blocking)), true
	default:
		return "", false
	}
}

func autoBlockKey(r record.Record, rules []Rule, isSource bool) (string, bool) {
	var parts []string
	for _, rule := range rules {
		if !rule.Required || rule.Operator != OpEquals {
			continue
		}
		field := rule.TargetField
		if isSource {
			field = rule.SourceField
		}
		v, ok := r[field]
		if !ok || v == nil {
			return "", false
		}
		text := toText(v)
		if !rule.CaseInsensitive {
			parts = append(parts, text)
			continue
		}
		parts = append(parts, strings.ToLower(text))
	}
	if len(parts) == 0 {
		return "", false
	}
	return boundKey(strings.Join(parts, blockingUnitSeparator)), true
}

func configuredBlockKey(value string, cfg BlockingConfig) string {
	switch cfg.Algorithm {
	case BlockPrefix:
		n := cfg.PrefixLen
		if n <= 0 {
			n = 3
		}
		r := []rune(value)
		if len(r) > n {
			r = r[:n]
		}
		return strings.ToLower(string(r))
	case BlockColognePhonetic:
		return colognePhonetic(value)
	case BlockSoundex:
		return soundex(value)
	case BlockExact, "":
		return strings.ToLower(value)
	default:
		return strings.ToLower(value)
	}
}

func boundKey(key string) string {
	if len(key) > maxBlockingKeyLen {
		return key[:maxBlockingKeyLen]
	}
	return key
}
