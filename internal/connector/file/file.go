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

package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// Connector adapts a single CSV or JSON file to connector.Connector. All
// reads load the whole file into memory and filter/sort/paginate
// in-process; all writes rewrite the whole file atomically. This trades
// scale for the simplicity appropriate to a flat-file source — there is
// no partial-file update path.
type Connector struct {
	*connector.Base

	opts Options

	mu           sync.Mutex
	cachedSchema *record.Schema
}

// New constructs a file Connector from cfg. cfg.Type selects the codec
// (csv, json, excel); cfg.Options is decoded into Options.
func New(cfg connector.Config) (*Connector, error) {
	opts, err := parseOptions(cfg.Type, cfg.Options)
	if err != nil {
		return nil, err
	}
	return &Connector{
		Base: connector.NewBase(cfg.ID, cfg.Name, cfg.Type, cfg.ReadOnly),
		opts: opts,
	}, nil
}

func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)
	if _, err := os.Stat(c.opts.Path); err != nil {
		if os.IsNotExist(err) {
			if werr := c.ensureFileExists(); werr != nil {
				c.SetState(connector.StateError)
				return werr
			}
		} else {
			c.SetState(connector.StateError)
			return errors.WrapErr(errors.KindConnectionFailed, err, "statting connector file").WithConnector(c.ID())
		}
	}
	c.SetState(connector.StateConnected)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnected)
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if _, err := os.Stat(c.opts.Path); err != nil {
		return errors.WrapErr(errors.KindConnectionFailed, err, "connector file is not reachable").WithConnector(c.ID())
	}
	return nil
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (record.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.cachedSchema != nil {
		return *c.cachedSchema, nil
	}

	records, headers, err := c.loadRecords()
	if err != nil {
		return record.Schema{}, err
	}

	var schema record.Schema
	if c.isCSV() {
		if headers == nil {
			headers = fieldNamesUnion(records)
		}
		schema = inferCSVSchema(c.Name(), headers)
	} else {
		schema = inferJSONSchema(c.Name(), records)
	}

	c.cachedSchema = &schema
	return schema, nil
}

func (c *Connector) ReadRecords(ctx context.Context, filter record.FilterOptions) (connector.ReadResult, error) {
	if err := filter.Validate(); err != nil {
		return connector.ReadResult{}, err
	}

	records, _, err := c.loadRecords()
	if err != nil {
		return connector.ReadResult{}, err
	}

	matched := make([]record.Record, 0, len(records))
	for _, r := range records {
		if filter.Matches(r) {
			matched = append(matched, r)
		}
	}

	record.Sort(matched, filter.OrderBy)

	total := len(matched)
	offset := 0
	if filter.Offset != nil {
		offset = *filter.Offset
	}
	limit := total
	if filter.Limit != nil {
		limit = *filter.Limit
	}

	hasMore := false
	var page []record.Record
	if offset < total {
		end := offset + limit
		if end >= total {
			end = total
		} else {
			hasMore = true
		}
		page = matched[offset:end]
	}

	out := make([]record.Record, len(page))
	for i, r := range page {
		out[i] = record.Project(r, filter.Select)
	}

	totalCount := total
	return connector.ReadResult{
		Records:    out,
		TotalCount: &totalCount,
		HasMore:    hasMore,
	}, nil
}

func (c *Connector) ValidateRecords(ctx context.Context, records []record.Record) ([]connector.ValidationError, error) {
	var verrs []connector.ValidationError
	for i, r := range records {
		for k := range r {
			if record.IsForbiddenKey(k) {
				verrs = append(verrs, connector.ValidationError{Index: i, Field: k, Reason: "forbidden record key"})
			}
		}
	}
	return verrs, nil
}

func (c *Connector) WriteRecords(ctx context.Context, records []record.Record, mode connector.WriteMode) (connector.WriteResult, error) {
	if c.ReadOnly() {
		return connector.WriteResult{}, errors.New(errors.KindUnsupportedOperation, "connector is read-only").WithConnector(c.ID())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, fieldOrder, err := c.loadRecords()
	if err != nil {
		return connector.WriteResult{}, err
	}

	keyField := c.keyField(existing)

	index := make(map[string]int, len(existing))
	for i, r := range existing {
		if kv, ok := r[keyField]; ok {
			index[fmt.Sprintf("%v", kv)] = i
		}
	}

	result := connector.WriteResult{IDs: make([]string, len(records))}

	for i, incoming := range records {
		key, hasKey := incoming[keyField]
		keyStr := fmt.Sprintf("%v", key)

		pos, found := index[keyStr]

		switch mode {
		case connector.WriteModeInsert:
			if found {
				result.Failed++
				result.Errors = append(result.Errors, connector.WriteError{Index: i, Kind: string(errors.KindWriteFailed), Error: fmt.Errorf("record with key %q already exists", keyStr)})
				continue
			}
			if !hasKey {
				incoming = incoming.Clone()
				key = uuid.NewString()
				incoming[keyField] = key
				keyStr = fmt.Sprintf("%v", key)
			}
			existing = append(existing, incoming)
			index[keyStr] = len(existing) - 1
			result.Success++
			result.IDs[i] = keyStr

		case connector.WriteModeUpdate:
			if !found {
				result.Failed++
				result.Errors = append(result.Errors, connector.WriteError{Index: i, Kind: string(errors.KindNotFound), Error: fmt.Errorf("no record with key %q", keyStr)})
				continue
			}
			existing[pos] = mergeRecord(existing[pos], incoming)
			result.Success++
			result.IDs[i] = keyStr

		case connector.WriteModeUpsert:
			if found {
				existing[pos] = mergeRecord(existing[pos], incoming)
			} else {
				if !hasKey {
					incoming = incoming.Clone()
					key = uuid.NewString()
					incoming[keyField] = key
					keyStr = fmt.Sprintf("%v", key)
				}
				existing = append(existing, incoming)
				index[keyStr] = len(existing) - 1
			}
			result.Success++
			result.IDs[i] = keyStr

		default:
			result.Failed++
			result.Errors = append(result.Errors, connector.WriteError{Index: i, Kind: string(errors.KindUnsupportedOperation), Error: fmt.Errorf("unknown write mode %q", mode)})
		}
	}

	if result.Success > 0 {
		if err := c.persist(existing, fieldOrder); err != nil {
			return connector.WriteResult{}, err
		}
		c.cachedSchema = nil
	}

	return result, nil
}

func (c *Connector) keyField(existing []record.Record) string {
	if c.cachedSchema != nil && len(c.cachedSchema.PrimaryKey) == 1 {
		return c.cachedSchema.PrimaryKey[0]
	}
	if len(existing) > 0 {
		if _, ok := existing[0]["id"]; ok {
			return "id"
		}
	}
	return "id"
}

func mergeRecord(base, patch record.Record) record.Record {
	out := base.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (c *Connector) isCSV() bool {
	return c.Type() == "csv" || c.Type() == "excel"
}

func (c *Connector) loadRecords() ([]record.Record, []string, error) {
	content, err := os.ReadFile(c.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []record.Record{}, nil, nil
		}
		return nil, nil, errors.WrapErr(errors.KindReadFailed, err, "reading connector file").WithConnector(c.ID())
	}
	if int64(len(content)) > c.opts.MaxFileBytes {
		return nil, nil, errors.Newf(errors.KindReadFailed, "connector file exceeds maximum size of %d bytes", c.opts.MaxFileBytes).WithConnector(c.ID())
	}

	if c.isCSV() {
		if len(content) == 0 {
			return []record.Record{}, nil, nil
		}
		return parseCSV(content, c.opts.Delimiter)
	}

	if len(content) == 0 {
		return []record.Record{}, nil, nil
	}
	records, err := parseJSON(content, c.opts.RecordsPath)
	return records, nil, err
}

func (c *Connector) persist(records []record.Record, _ []string) error {
	var content []byte
	var err error

	if c.isCSV() {
		content, err = writeCSV(records, c.opts.Delimiter, c.opts.EscapeChar, c.opts.SanitizeFormulas)
	} else {
		var existing []byte
		if b, rerr := os.ReadFile(c.opts.Path); rerr == nil {
			existing = b
		}
		content, err = writeJSON(existing, c.opts.RecordsPath, records)
	}
	if err != nil {
		return err
	}

	return writeFileAtomic(c.opts.Path, content)
}

func (c *Connector) ensureFileExists() error {
	var content []byte
	var err error
	if c.isCSV() {
		content = []byte{}
	} else if c.opts.RecordsPath == "" {
		content = []byte("[]\n")
	} else {
		content, err = writeJSON(nil, c.opts.RecordsPath, nil)
		if err != nil {
			return err
		}
	}
	return writeFileAtomic(c.opts.Path, content)
}

func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.WrapErr(errors.KindWriteFailed, err, "creating connector file directory")
	}

	tmp, err := os.CreateTemp(dir, ".dtbroker-*.tmp")
	if err != nil {
		return errors.WrapErr(errors.KindWriteFailed, err, "creating temp file")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return errors.WrapErr(errors.KindWriteFailed, err, "setting temp file permissions")
	}
	if _, err := tmp.Write(content); err != nil {
		return errors.WrapErr(errors.KindWriteFailed, err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		return errors.WrapErr(errors.KindWriteFailed, err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapErr(errors.KindWriteFailed, err, "closing temp file")
	}
	cleanup = false

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.WrapErr(errors.KindWriteFailed, err, "renaming temp file into place")
	}
	return nil
}

func fieldNamesUnion(records []record.Record) []string {
	set := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var _ connector.Connector = (*Connector)(nil)
