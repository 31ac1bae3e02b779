package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STREAM_KEYS", " events:acme , ,events ")
	t.Setenv("CACHE_DEFAULT_TTL", "not-a-duration")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("STREAM_DISCOVER", "off")

	cfg := Load()

	assert.Equal(t, []string{"events:acme", "events"}, cfg.Stream.Keys)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.False(t, cfg.Stream.Discover)
	assert.Equal(t, "feature-processors", cfg.Stream.Group)
}

func TestValidateStreamTuning(t *testing.T) {
	require.NoError(t, validateStreamTuning(DefaultStreamTuning()))

	bad := DefaultStreamTuning()
	bad.BatchSize = 0
	assert.Error(t, validateStreamTuning(bad))

	bad = DefaultStreamTuning()
	bad.ReloadProbability = 1.5
	assert.Error(t, validateStreamTuning(bad))

	holder := NewStaticTuning(DefaultStreamTuning())
	assert.Equal(t, int64(10), holder.Get().BatchSize)
}
