package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/featurestore/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	JobTimeout        time.Duration
	LockTTL           time.Duration
	RecoveryThreshold time.Duration
	PurgeBatchSize    int
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		JobTimeout:        10 * time.Minute,
		LockTTL:           15 * time.Minute,
		RecoveryThreshold: 30 * time.Minute,
		PurgeBatchSize:    1000,
	}
}

// ProvideConfig maps the application config onto scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	var jobs []string
	for _, job := range strings.Split(cfg.Scheduler.Jobs, ",") {
		if job = strings.TrimSpace(job); job != "" {
			jobs = append(jobs, job)
		}
	}
	return Config{
		RunInterval:       cfg.Scheduler.Interval,
		BatchSize:         cfg.Scheduler.BatchSize,
		JobTimeout:        cfg.Scheduler.JobTimeout,
		LockTTL:           cfg.Scheduler.LockTTL,
		RecoveryThreshold: cfg.Scheduler.RecoveryThreshold,
		EnabledJobs:       jobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// a lease shorter than a job would let a second replica start it
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.PurgeBatchSize <= 0 {
		c.PurgeBatchSize = defaults.PurgeBatchSize
	}
	return c
}
