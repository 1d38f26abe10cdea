package scheduler

import (
	"time"

	"github.com/smallbiznis/credo/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval         time.Duration
	BatchSize           int
	RecoveryThreshold   time.Duration
	MaxRefreshBatchSize int
	MaxPublishBatchSize int
	EnabledJobs         []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:         time.Minute,
		BatchSize:           50,
		RecoveryThreshold:   15 * time.Minute,
		MaxRefreshBatchSize: 50,
		MaxPublishBatchSize: 100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.MaxRefreshBatchSize <= 0 {
		c.MaxRefreshBatchSize = defaults.MaxRefreshBatchSize
	}
	if c.MaxPublishBatchSize <= 0 {
		c.MaxPublishBatchSize = defaults.MaxPublishBatchSize
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.RunInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		RecoveryThreshold: cfg.Scheduler.RecoveryThreshold,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}
