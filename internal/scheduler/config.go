package scheduler

import (
	"strings"
	"time"

	appconfig "github.com/smallbiznis/quotaflow/internal/config"
)

// Config controls scheduler intervals, batch sizes, and the job allowlist.
type Config struct {
	RunInterval  time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	HourLookback time.Duration
	DayLookback  time.Duration
	EnabledJobs  []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		BatchSize:    100,
		JobTimeout:   30 * time.Second,
		HourLookback: 3 * time.Hour,
		DayLookback:  48 * time.Hour,
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
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.HourLookback <= 0 {
		c.HourLookback = defaults.HourLookback
	}
	if c.DayLookback <= 0 {
		c.DayLookback = defaults.DayLookback
	}
	return c
}

// ProvideConfig maps the application configuration onto the scheduler knobs.
func ProvideConfig(cfg appconfig.Config) Config {
	sched := Config{
		RunInterval: time.Duration(cfg.Scheduler.RunIntervalSeconds) * time.Second,
		BatchSize:   cfg.Scheduler.BatchSize,
	}
	if jobs := strings.TrimSpace(cfg.Scheduler.EnabledJobs); jobs != "" {
		for _, name := range strings.Split(jobs, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sched.EnabledJobs = append(sched.EnabledJobs, name)
			}
		}
	}
	return sched.withDefaults()
}
