package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/draftpr/internal/config"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"local insecure ok", func(c *Config) { c.Enabled = true }, false},
		{"remote insecure rejected", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
		}, true},
		{"remote tls ok", func(c *Config) {
			c.Enabled = true
			c.Insecure = false
			c.Endpoint = "https://otel.example.com:4318"
			c.Protocol = "http/protobuf"
		}, false},
		{"bad protocol", func(c *Config) {
			c.Enabled = true
			c.Protocol = "thrift"
		}, true},
		{"bad rate", func(c *Config) {
			c.Enabled = true
			c.SampleRate = 2
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:    true,
		Endpoint:   "127.0.0.1:4317",
		Insecure:   true,
		SampleRate: 0.5,
	}, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "draftpr", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.NoError(t, cfg.Validate())
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	tel := NewTestTelemetry()

	_, span := tel.Tracer("test").Start(ctx, "pipeline.plan")
	span.SetAttributes(attribute.String("job.id", "j1"), attribute.Int64("plan.version", 1))
	span.End()

	counter, err := tel.Meter("test").Int64Counter("draftpr.jobs")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	tel.AssertSpanExists(t, "pipeline.plan")
	tel.AssertSpanAttribute(t, "pipeline.plan", "job.id", "j1")
	tel.AssertSpanAttribute(t, "pipeline.plan", "plan.version", int64(1))
	assert.True(t, tel.HasMetric(ctx, "draftpr.jobs"))
	assert.False(t, tel.HasMetric(ctx, "missing"))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "host:4318", stripScheme("https://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("http://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("host:4318"))
}
