package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =x,tenant=hub ")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "hub"}, got)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "a=b")

	cfg := FromEnv("spoked", "dev", 97)
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, map[string]string{"a": "b"}, cfg.Headers)
	require.Equal(t, uint64(97), cfg.Domain)
	require.True(t, cfg.Traces)
	require.True(t, cfg.Metrics)
}

func TestFromEnvWithoutEndpointDisablesExporters(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := FromEnv("hubd", "dev", 0)
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.True(t, cfg.Insecure)
	require.Equal(t, 0.25, cfg.SampleRatio)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "hubd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
