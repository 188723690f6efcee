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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// genesisHash is the prev_hash value used by the oldest entry in a chain.
const genesisHash = "0"

// chainHash computes SHA-256(prevHash || canonicalPayload) and returns it
// hex-encoded. canonicalPayload must be the JSON encoding of the entry
// with its own prev_hash/hash fields held at their zero values, so the
// hash commits to content only.
func chainHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// sealOperation stamps e.PrevHash = prevHash and computes e.Hash over the
// entry's JSON encoding with both hash fields cleared.
func sealOperation(e OperationEntry, prevHash string) OperationEntry {
	e.PrevHash = prevHash
	e.Hash = ""
	payload, _ := json.Marshal(e)
	e.Hash = chainHash(prevHash, payload)
	return e
}

// sealDecision stamps r.PrevHash = prevHash and computes r.Hash over the
// record's JSON encoding with both hash fields cleared.
func sealDecision(r PolicyDecisionRecord, prevHash string) PolicyDecisionRecord {
	r.PrevHash = prevHash
	r.Hash = ""
	payload, _ := json.Marshal(r)
	r.Hash = chainHash(prevHash, payload)
	return r
}

// VerifyOperationChain reports whether entries form a well-formed chain:
// the first entry's PrevHash is genesisHash, and every subsequent entry's
// PrevHash equals the hash of its predecessor, recomputed from content.
func VerifyOperationChain(entries []OperationEntry) bool {
	prev := genesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			return false
		}
		want := e.Hash
		recomputed := sealOperation(e, prev).Hash
		if recomputed != want {
			return false
		}
		prev = e.Hash
	}
	return true
}

// VerifyDecisionChain reports whether records form a well-formed chain,
// analogous to VerifyOperationChain.
func VerifyDecisionChain(records []PolicyDecisionRecord) bool {
	prev := genesisHash
	for _, r := range records {
		if r.PrevHash != prev {
			return false
		}
		recomputed := sealDecision(r, prev).Hash
		if recomputed != r.Hash {
			return false
		}
		prev = r.Hash
	}
	return true
}
