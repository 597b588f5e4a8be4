package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"onelane/internal/trigger"
	logx "onelane/pkg/logx"
)

// Validate checks every section and returns all problems joined.
// Each message is prefixed with the field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if !logx.ValidLevel(lvl) {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	s := cfg.Scheduler
	if s.QueueSize < 0 {
		add(errors.New("scheduler.queue_size: must be >= 0"))
	}
	if s.HistorySize < 0 {
		add(errors.New("scheduler.history_size: must be >= 0"))
	}
	if s.FailureLogRate < 0 {
		add(errors.New("scheduler.failure_log_rate: must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.stop_timeout", s.StopTimeout)
	add(err)

	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("triggers.timezone: %w", err))
		}
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				add(errors.New("journal.path: required for sqlite"))
			}
		default:
			add(fmt.Errorf("journal.driver: unsupported %q", j.Driver))
		}
		_, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout)
		add(err)
		if j.MaxRecords < 0 {
			add(errors.New("journal.max_records: must be >= 0"))
		}
	}

	if m := cfg.Metrics; m != nil && m.Enabled && strings.TrimSpace(m.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(m.Addr)); err != nil {
			add(fmt.Errorf("metrics.addr: %w", err))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("jobs[%s]", name)
			if _, dup := seen[name]; dup {
				add(fmt.Errorf("%s.name: duplicate", path))
			}
			seen[name] = struct{}{}
		}
		if _, err := trigger.ParseSchedule(j.Schedule); err != nil {
			add(fmt.Errorf("%s.schedule: %w", path, err))
		}
		if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			add(fmt.Errorf("%s.command: required", path))
		}
		_, err := ParseDurationField(path+".timeout", j.Timeout)
		add(err)
		for _, kv := range j.Env {
			if !strings.Contains(kv, "=") {
				add(fmt.Errorf("%s.env: %q is not KEY=VALUE", path, kv))
			}
		}
	}

	return errors.Join(errs...)
}
