package observability

import (
	"strings"

	"github.com/smallbiznis/featurestore/internal/config"
)

// Config is the resolved telemetry setup shared by the logger, tracer and
// metrics exporters of every featurestore binary.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig normalizes the telemetry part of the application config.
// Unknown log formats fall back to json, unknown protocols to grpc, and the
// sampling ratio is clamped to [0, 1].
func LoadConfig(cfg config.Config) Config {
	tel := cfg.Telemetry

	format := strings.ToLower(strings.TrimSpace(tel.LogFormat))
	if format != "console" {
		format = "json"
	}
	protocol := strings.ToLower(strings.TrimSpace(tel.TraceProtocol))
	switch protocol {
	case "grpc", "http", "http/protobuf":
	default:
		protocol = "grpc"
	}
	level := strings.ToLower(strings.TrimSpace(tel.LogLevel))
	if level == "" {
		level = "info"
	}

	return Config{
		ServiceName:          firstNonEmpty(cfg.AppName, "featurestore"),
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             level,
		LogFormat:            format,
		OtelEnabled:          tel.TraceEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    min(max(tel.SampleRatio, 0), 1),
	}
}

// Debug enables verbose logging outside production or when asked for.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
