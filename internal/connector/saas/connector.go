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

package saas

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/connector/transport"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// Connector adapts a single collection resource of a JSON-over-HTTP REST
// API (Odoo, HubSpot, or any vendor exposing the same GET-collection,
// POST-create, PUT-update shape) to connector.Connector.
type Connector struct {
	*connector.Base

	opts   Options
	client *transport.Client

	mu           sync.Mutex
	cachedSchema *record.Schema
}

// New constructs a saas Connector from cfg. cfg.Type selects the vendor tag
// (odoo, hubspot); cfg.Options is decoded into Options.
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

	client, err := transport.NewClient(transport.Config{
		BaseURL: c.opts.BaseURL,
		Timeout: c.opts.Timeout,
		Headers: c.opts.Headers,
		Auth:    c.opts.Auth,
	})
	if err != nil {
		c.SetState(connector.StateError)
		return err
	}
	c.client = client

	c.SetState(connector.StateConnected)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnected)
	c.client = nil
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if c.client == nil {
		return errors.New(errors.KindConnectionFailed, "connector is not connected").WithConnector(c.ID())
	}
	query := url.Values{}
	query.Set("limit", "1")
	if _, err := c.client.Do(ctx, http.MethodGet, c.opts.Resource, query, nil); err != nil {
		return c.transportErr(err)
	}
	return nil
}

// transportErr attaches the connector id to an error returned by the
// transport client. transport.Client.Do already classifies the failure
// (auth, rate limit, timeout, ...), so this preserves that Kind rather
// than collapsing every transport failure into one.
func (c *Connector) transportErr(err error) error {
	var derr *errors.Error
	if stderrors.As(err, &derr) {
		return derr.WithConnector(c.ID())
	}
	return errors.WrapErr(errors.KindConnectionFailed, err, "calling SaaS API").WithConnector(c.ID())
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (record.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.cachedSchema != nil {
		return *c.cachedSchema, nil
	}

	records, err := c.fetchPages(ctx, 1)
	if err != nil {
		return record.Schema{}, err
	}

	schema := inferSchema(c.opts.Resource, records, c.opts.IDField)
	c.cachedSchema = &schema
	return schema, nil
}

func (c *Connector) ReadRecords(ctx context.Context, filter record.FilterOptions) (connector.ReadResult, error) {
	if err := filter.Validate(); err != nil {
		return connector.ReadResult{}, err
	}

	records, err := c.fetchPages(ctx, c.opts.MaxPages)
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
	return connector.ReadResult{Records: out, TotalCount: &totalCount, HasMore: hasMore}, nil
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

	result := connector.WriteResult{IDs: make([]string, len(records))}

	for i, rec := range records {
		var id string
		var err error
		switch mode {
		case connector.WriteModeInsert:
			id, err = c.createOne(ctx, rec)
		case connector.WriteModeUpdate:
			id, err = c.updateOne(ctx, rec)
		case connector.WriteModeUpsert:
			id, err = c.upsertOne(ctx, rec)
		default:
			err = errors.Newf(errors.KindUnsupportedOperation, "unknown write mode %q", mode)
		}

		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, connector.WriteError{Index: i, Kind: string(errors.KindWriteFailed), Error: err})
			continue
		}
		result.Success++
		result.IDs[i] = id
	}

	if result.Success > 0 {
		c.mu.Lock()
		c.cachedSchema = nil
		c.mu.Unlock()
	}

	return result, nil
}

func (c *Connector) createOne(ctx context.Context, rec record.Record) (string, error) {
	resp, err := c.client.Do(ctx, http.MethodPost, c.opts.Resource, nil, rec)
	if err != nil {
		return "", err
	}

	var decoded map[string]any
	if len(resp.Body) > 0 {
		if jerr := resp.JSON(&decoded); jerr == nil {
			if id, ok := decoded[c.opts.IDField]; ok {
				return fmt.Sprintf("%v", id), nil
			}
		}
	}
	if id, ok := rec[c.opts.IDField]; ok {
		return fmt.Sprintf("%v", id), nil
	}
	return uuid.NewString(), nil
}

func (c *Connector) updateOne(ctx context.Context, rec record.Record) (string, error) {
	id, ok := rec[c.opts.IDField]
	if !ok {
		return "", errors.Newf(errors.KindValidationError, "record missing id field %q", c.opts.IDField)
	}
	path := fmt.Sprintf("%s/%s", c.opts.Resource, url.PathEscape(fmt.Sprintf("%v", id)))
	if _, err := c.client.Do(ctx, http.MethodPut, path, nil, rec); err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", id), nil
}

func (c *Connector) upsertOne(ctx context.Context, rec record.Record) (string, error) {
	if _, ok := rec[c.opts.IDField]; ok {
		return c.updateOne(ctx, rec)
	}
	return c.createOne(ctx, rec)
}

func (c *Connector) fetchPages(ctx context.Context, maxPages int) ([]record.Record, error) {
	var all []record.Record
	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(c.opts.PageSize))
		query.Set("offset", strconv.Itoa(page*c.opts.PageSize))

		resp, err := c.client.Do(ctx, http.MethodGet, c.opts.Resource, query, nil)
		if err != nil {
			return nil, c.transportErr(err)
		}

		batch, err := decodeCollection(resp.Body, c.opts.RecordsPath)
		if err != nil {
			return nil, errors.WrapErr(errors.KindReadFailed, err, "decoding SaaS resource page").WithConnector(c.ID())
		}
		all = append(all, batch...)

		if len(batch) < c.opts.PageSize {
			break
		}
	}
	return all, nil
}

func inferSchema(name string, records []record.Record, idField string) record.Schema {
	seen := make(map[string]record.FieldType)
	order := make([]string, 0)
	for _, r := range records {
		for k, v := range r {
			if _, ok := seen[k]; !ok {
				seen[k] = inferFieldType(v)
				order = append(order, k)
			}
		}
	}
	sort.Strings(order)

	fields := make([]record.FieldDefinition, len(order))
	for i, name := range order {
		fields[i] = record.FieldDefinition{Name: name, Type: seen[name]}
	}

	pk := []string{}
	if _, ok := seen[idField]; ok {
		pk = []string{idField}
	}

	return record.Schema{Name: name, Fields: fields, PrimaryKey: pk, Inferred: true}
}

func inferFieldType(v any) record.FieldType {
	switch v.(type) {
	case bool:
		return record.FieldTypeBoolean
	case float64, int, int64:
		return record.FieldTypeNumber
	case []any:
		return record.FieldTypeArray
	case map[string]any:
		return record.FieldTypeObject
	default:
		return record.FieldTypeString
	}
}

var _ connector.Connector = (*Connector)(nil)
