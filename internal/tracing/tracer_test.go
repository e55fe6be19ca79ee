package tracing_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/tracing"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := tracing.NewProvider(tracing.Config{}, nil)
	require.NoError(t, err)
	require.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "refresh")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := tracing.DefaultConfig()
	cfg.Enabled = true
	p, err := tracing.NewProvider(cfg, &buf)
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "producer.refresh")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
	require.Contains(t, buf.String(), "producer.refresh")
}

func TestUnknownExporter(t *testing.T) {
	_, err := tracing.NewProvider(tracing.Config{Enabled: true, Exporter: "zipkin"}, nil)
	require.Error(t, err)
}
