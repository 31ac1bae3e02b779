package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	Telemetry TelemetryConfig
	Metrics   MetricsConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	NATS      NATSConfig
	Cache     CacheConfig
	Stream    StreamConfig
	Scheduler SchedulerConfig
}

// TelemetryConfig carries logging and tracing settings.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	TraceEnabled  bool
	TraceProtocol string
	SampleRatio   float64
}

// MetricsConfig controls periodic push of prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	Enabled       bool
	URL           string
	Stream        string
	SubjectPrefix string
}

// CacheConfig selects the fast tier backend: "redis" or "memory".
type CacheConfig struct {
	FastTier   string
	DefaultTTL time.Duration
}

type StreamConfig struct {
	Enabled      bool
	Keys         []string
	Discover     bool
	Group        string
	ConsumerName string
	Workers      int
}

type SchedulerConfig struct {
	Enabled           bool
	Interval          time.Duration
	JobTimeout        time.Duration
	BatchSize         int
	LockTTL           time.Duration
	RecoveryThreshold time.Duration
	// Jobs is a comma separated allow-list; empty runs every job.
	Jobs string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "featurestore"
	}

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "featurestore"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			TraceEnabled:  getenvBool("OTEL_ENABLED", false),
			TraceProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SampleRatio:   getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Metrics: MetricsConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "featurestore"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		Redis: RedisConfig{
			URL:      strings.TrimSpace(getenv("REDIS_URL", "")),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		NATS: NATSConfig{
			Enabled:       getenvBool("NATS_ENABLED", false),
			URL:           getenv("NATS_URL", "nats://localhost:4222"),
			Stream:        getenv("NATS_STREAM", "FEATURESTORE"),
			SubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "featurestore"),
		},
		Cache: CacheConfig{
			FastTier:   strings.ToLower(getenv("CACHE_FAST_TIER", "redis")),
			DefaultTTL: getenvDuration("CACHE_DEFAULT_TTL", time.Hour),
		},
		Stream: StreamConfig{
			Enabled:      getenvBool("STREAM_ENABLED", true),
			Keys:         parseList(getenv("STREAM_KEYS", "events")),
			Discover:     getenvBool("STREAM_DISCOVER", true),
			Group:        getenv("STREAM_GROUP", "feature-processors"),
			ConsumerName: getenv("STREAM_CONSUMER", hostname),
			Workers:      int(getenvInt64("STREAM_WORKERS", 1)),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			Interval:          getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			JobTimeout:        getenvDuration("SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
			BatchSize:         int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
			LockTTL:           getenvDuration("SCHEDULER_LOCK_TTL", 15*time.Minute),
			RecoveryThreshold: getenvDuration("SCHEDULER_RECOVERY_THRESHOLD", 30*time.Minute),
			Jobs:              getenv("SCHEDULER_JOBS", ""),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
