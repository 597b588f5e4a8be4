package config

import (
	"strings"
	"time"

	"onelane/internal/journal"
	"onelane/internal/trigger"
	logx "onelane/pkg/logx"
	"onelane/pkg/scheduler"
)

// Config is the on-disk daemon configuration. JSON and YAML are both
// accepted; unknown fields are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Triggers  TriggersConfig  `json:"triggers,omitempty"`
	Journal   *JournalConfig  `json:"journal,omitempty"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig configures the single lane.
//
// Defaults (when fields are omitted/zero):
//   - name: "single"
//   - queue_size: 0 (unbounded)
//   - history_size: 200
//   - failure_log_rate: 1 warning per second
//   - stop_timeout: "10s"
type SchedulerConfig struct {
	Name             string  `json:"name,omitempty"`
	QueueSize        int     `json:"queue_size,omitempty"`
	HistorySize      int     `json:"history_size,omitempty"`
	DiscardOnDispose bool    `json:"discard_on_dispose,omitempty"`
	FailureLogRate   float64 `json:"failure_log_rate,omitempty"`

	// StopTimeout bounds the drain on shutdown.
	StopTimeout string `json:"stop_timeout,omitempty"`
}

type TriggersConfig struct {
	// Timezone is an IANA name. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type JournalConfig struct {
	// Driver is "sqlite" or "none".
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxRecords  int    `json:"max_records,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`

	// Pprof mounts /debug/pprof/ on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

// JobConfig describes a shell-command job run on the lane.
type JobConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Command  []string `json:"command"`
	Timeout  string   `json:"timeout,omitempty"`
	Dir      string   `json:"dir,omitempty"`
	Env      []string `json:"env,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

const (
	DefaultStopTimeout = 10 * time.Second
	DefaultMetricsAddr = "127.0.0.1:9464"
)

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	if c == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    strings.TrimSpace(c.Logging.File.Path),
		},
	}
}

// LaneConfig maps the scheduler section onto the lane config.
// Durations must already be validated.
func (c *Config) LaneConfig() scheduler.Config {
	if c == nil {
		return scheduler.Config{}
	}
	s := c.Scheduler
	return scheduler.Config{
		Name:             strings.TrimSpace(s.Name),
		QueueSize:        s.QueueSize,
		HistorySize:      s.HistorySize,
		DiscardOnDispose: s.DiscardOnDispose,
		FailureLogRate:   s.FailureLogRate,
	}
}

func (c *Config) StopTimeout() time.Duration {
	if c == nil {
		return DefaultStopTimeout
	}
	d, err := ParseDurationOrDefault("scheduler.stop_timeout", c.Scheduler.StopTimeout, DefaultStopTimeout)
	if err != nil {
		return DefaultStopTimeout
	}
	return d
}

func (c *Config) TriggerConfig() trigger.Config {
	if c == nil {
		return trigger.Config{}
	}
	return trigger.Config{Timezone: strings.TrimSpace(c.Triggers.Timezone)}
}

// JournalSettings returns the journal config. A missing section disables
// the journal.
func (c *Config) JournalSettings() journal.Config {
	if c == nil || c.Journal == nil {
		return journal.Config{Driver: "none"}
	}
	j := c.Journal
	bt, _ := ParseDurationField("journal.busy_timeout", j.BusyTimeout)
	return journal.Config{
		Driver:      strings.ToLower(strings.TrimSpace(j.Driver)),
		Path:        strings.TrimSpace(j.Path),
		BusyTimeout: bt,
		MaxRecords:  j.MaxRecords,
	}
}

// MetricsAddr returns the listen address, or "" when metrics are off.
func (c *Config) MetricsAddr() string {
	if c == nil || c.Metrics == nil || !c.Metrics.Enabled {
		return ""
	}
	if addr := strings.TrimSpace(c.Metrics.Addr); addr != "" {
		return addr
	}
	return DefaultMetricsAddr
}

func (c *Config) PprofEnabled() bool {
	return c != nil && c.Metrics != nil && c.Metrics.Pprof
}

// EnabledJobs returns jobs that are not disabled, in file order.
func (c *Config) EnabledJobs() []JobConfig {
	if c == nil {
		return nil
	}
	out := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Disabled {
			continue
		}
		out = append(out, j)
	}
	return out
}
