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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationSinkAppendChainsAndPersists(t *testing.T) {
	dir := t.TempDir()
	sink := NewOperationSink(dir)

	e1, err := sink.Append("crm", OperationEntry{Operation: OperationCreate, RecordKey: "1"})
	require.NoError(t, err)
	assert.Equal(t, genesisHash, e1.PrevHash)
	assert.NotEmpty(t, e1.Hash)
	assert.Equal(t, "crm", e1.ConnectorID)
	assert.NotEmpty(t, e1.EntryID)
	assert.False(t, e1.Timestamp.IsZero())

	e2, err := sink.Append("crm", OperationEntry{Operation: OperationUpdate, RecordKey: "1"})
	require.NoError(t, err)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	connDir := filepath.Join(dir, "crm")
	info, err := os.Stat(connDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(connDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fi, err := os.Stat(filepath.Join(connDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	lines := readLines(t, filepath.Join(connDir, entries[0].Name()))
	require.Len(t, lines, 2)

	var parsed []OperationEntry
	for _, l := range lines {
		var e OperationEntry
		require.NoError(t, json.Unmarshal([]byte(l), &e))
		parsed = append(parsed, e)
	}
	assert.True(t, VerifyOperationChain(parsed))
}

func TestOperationSinkSeparatesConnectors(t *testing.T) {
	dir := t.TempDir()
	sink := NewOperationSink(dir)

	_, err := sink.Append("crm", OperationEntry{Operation: OperationCreate, RecordKey: "1"})
	require.NoError(t, err)
	_, err = sink.Append("erp", OperationEntry{Operation: OperationCreate, RecordKey: "1"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["crm"])
	assert.True(t, names["erp"])
}

func TestOperationSinkResumesChainAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	first := NewOperationSink(dir)
	e1, err := first.Append("crm", OperationEntry{Operation: OperationCreate, RecordKey: "1"})
	require.NoError(t, err)

	second := NewOperationSink(dir)
	e2, err := second.Append("crm", OperationEntry{Operation: OperationUpdate, RecordKey: "1"})
	require.NoError(t, err)

	assert.Equal(t, e1.Hash, e2.PrevHash)
}

func TestOperationSinkConcurrentAppendsStayOrdered(t *testing.T) {
	dir := t.TempDir()
	sink := NewOperationSink(dir)

	const n = 25
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := sink.Append("crm", OperationEntry{Operation: OperationCreate, RecordKey: "k"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	connDir := filepath.Join(dir, "crm")
	entries, err := os.ReadDir(connDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	lines := readLines(t, filepath.Join(connDir, entries[0].Name()))
	require.Len(t, lines, n)

	var parsed []OperationEntry
	for _, l := range lines {
		var e OperationEntry
		require.NoError(t, json.Unmarshal([]byte(l), &e))
		parsed = append(parsed, e)
	}
	assert.True(t, VerifyOperationChain(parsed))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	require.NoError(t, scanner.Err())
	return lines
}
