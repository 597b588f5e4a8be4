package config

import (
	"reflect"
	"sort"
	"strings"

	logx "onelane/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, fields suitable
// for a reload log line, and the names of jobs that were added, removed or
// edited.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		// lane settings apply on restart only
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.restart_required", true))
	}

	if strings.TrimSpace(oldCfg.Triggers.Timezone) != strings.TrimSpace(newCfg.Triggers.Timezone) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.String("triggers.timezone", strings.TrimSpace(newCfg.Triggers.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		attrs = append(attrs, logx.Bool("journal.restart_required", true))
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.String("metrics.addr", newCfg.MetricsAddr()))
	}

	jobs := changedJobs(oldCfg.EnabledJobs(), newCfg.EnabledJobs())
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.changed", len(jobs)), logx.Int("jobs.enabled", len(newCfg.EnabledJobs())))
	}

	return changed, attrs, jobs
}

func changedJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(in []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(in))
		for _, j := range in {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	before, after := index(oldJobs), index(newJobs)

	var out []string
	for name, nj := range after {
		if oj, ok := before[name]; !ok || !reflect.DeepEqual(oj, nj) {
			out = append(out, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
