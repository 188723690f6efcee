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

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestParseTraceparent_Valid(t *testing.T) {
	sc, ok := ParseTraceparent(validTraceparent)
	require.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", sc.SpanID().String())
	assert.True(t, sc.IsSampled())
	assert.True(t, sc.IsRemote())
}

func TestParseTraceparent_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":              "",
		"wrong length":       "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-0",
		"bad separators":     "00x4bf92f3577b34da6a3ce929d0e0e4736x00f067aa0ba902b7x01",
		"future version":     "ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"all-zero trace id":  "00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"all-zero span id":   "00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01",
		"non-hex trace id":   "00-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz-00f067aa0ba902b7-01",
		"non-hex flags byte": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseTraceparent(header)
			assert.False(t, ok)
		})
	}
}

func TestNewProvider_NoneExporterStillBuildsUsableTracer(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, Config{ServiceName: "dtbroker-test", ServiceVersion: "0.0.0", Exporter: ExporterNone})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	require.NotNil(t, p.Tracer())

	toolCtx, span := p.StartToolSpan(ctx, "", "list_connectors")
	defer span.End()
	require.NotNil(t, toolCtx)
	assert.True(t, span.SpanContext().TraceID().IsValid())
}

func TestNewProvider_InheritsTraceIDFromTraceparent(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, Config{ServiceName: "dtbroker-test", ServiceVersion: "0.0.0", Exporter: ExporterNone})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	_, span := p.StartToolSpan(ctx, validTraceparent, "get_schema")
	defer span.End()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
}
