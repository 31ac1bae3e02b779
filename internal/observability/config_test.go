package observability

import (
	"testing"

	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Normalizes(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppVersion:   " 1.4.0 ",
		Environment:  "production",
		OTLPEndpoint: "collector:4317",
		Telemetry: config.TelemetryConfig{
			LogLevel:      "WARN",
			LogFormat:     "logfmt",
			TraceEnabled:  true,
			TraceProtocol: "thrift",
			SampleRatio:   4,
		},
	})

	assert.Equal(t, "featurestore", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.Version)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.True(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}

func TestConfig_Debug(t *testing.T) {
	assert.True(t, LoadConfig(config.Config{Environment: "development"}).Debug())
	assert.True(t, LoadConfig(config.Config{Environment: "production", Telemetry: config.TelemetryConfig{LogLevel: "debug"}}).Debug())

	cfg := LoadConfig(config.Config{AppName: "streamworker", Telemetry: config.TelemetryConfig{LogFormat: "console", TraceProtocol: "http", SampleRatio: -1}})
	assert.Equal(t, "streamworker", cfg.ServiceName)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Zero(t, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}
