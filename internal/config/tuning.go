package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// StreamTuning holds stream processor knobs that can change without a restart.
type StreamTuning struct {
	BatchSize         int64         `mapstructure:"batchSize"`
	BlockTimeout      time.Duration `mapstructure:"blockTimeout"`
	ReloadProbability float64       `mapstructure:"reloadProbability"`
	ErrorBackoff      time.Duration `mapstructure:"errorBackoff"`
}

func DefaultStreamTuning() StreamTuning {
	return StreamTuning{
		BatchSize:         10,
		BlockTimeout:      time.Second,
		ReloadProbability: 0.01,
		ErrorBackoff:      time.Second,
	}
}

type TuningHolder struct {
	current atomic.Value // holds StreamTuning
}

// NewStaticTuning returns a holder that never reloads.
func NewStaticTuning(t StreamTuning) *TuningHolder {
	holder := &TuningHolder{}
	holder.current.Store(t)
	return holder
}

func NewTuningHolder() (*TuningHolder, error) {
	v := viper.New()

	v.SetConfigName("featurestore")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/featurestore/config")
	v.AddConfigPath("/etc/featurestore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FEATURESTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultStreamTuning()
	v.SetDefault("stream.batchSize", defaults.BatchSize)
	v.SetDefault("stream.blockTimeout", defaults.BlockTimeout)
	v.SetDefault("stream.reloadProbability", defaults.ReloadProbability)
	v.SetDefault("stream.errorBackoff", defaults.ErrorBackoff)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg StreamTuning
	if err := v.UnmarshalKey("stream", &cfg); err != nil {
		return nil, err
	}
	if err := validateStreamTuning(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticTuning(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated StreamTuning
		if err := v.UnmarshalKey("stream", &updated); err != nil {
			log.Printf("[stream-tuning] reload failed: %v", err)
			return
		}
		if err := validateStreamTuning(updated); err != nil {
			log.Printf("[stream-tuning] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[stream-tuning] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TuningHolder) Get() StreamTuning {
	return h.current.Load().(StreamTuning)
}

func validateStreamTuning(cfg StreamTuning) error {
	if cfg.BatchSize <= 0 {
		return errors.New("stream.batchSize must be positive")
	}
	if cfg.BlockTimeout <= 0 {
		return errors.New("stream.blockTimeout must be positive")
	}
	if cfg.ReloadProbability < 0 || cfg.ReloadProbability > 1 {
		return errors.New("stream.reloadProbability must be within [0,1]")
	}
	if cfg.ErrorBackoff < 0 {
		return errors.New("stream.errorBackoff cannot be negative")
	}
	return nil
}
