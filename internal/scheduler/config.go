package scheduler

import "time"

// Config controls the sweep loop cadence and per-job deadlines.
type Config struct {
	RunInterval  time.Duration
	SweepTimeout time.Duration
	PurgeTimeout time.Duration
	EnabledJobs  []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		SweepTimeout: 30 * time.Second,
		PurgeTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaults.SweepTimeout
	}
	if c.PurgeTimeout <= 0 {
		c.PurgeTimeout = defaults.PurgeTimeout
	}
	return c
}
