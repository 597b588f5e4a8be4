// Package metrics exposes lane and trigger state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"onelane/internal/trigger"
	"onelane/pkg/scheduler"
)

// LaneSource is read on every scrape.
type LaneSource interface {
	Snapshot() scheduler.Snapshot
}

// TriggerSource is read on every scrape.
type TriggerSource interface {
	Entries() []trigger.EntryInfo
}

const namespace = "onelane"

var states = []scheduler.State{scheduler.StateIdle, scheduler.StateBusy, scheduler.StateDraining, scheduler.StateDisposed}

// Collector reads a snapshot per scrape rather than keeping its own counters,
// so the exported values always match Snapshot.
type Collector struct {
	lane     LaneSource
	triggers TriggerSource

	queueLen    *prometheus.Desc
	queueCap    *prometheus.Desc
	busy        *prometheus.Desc
	state       *prometheus.Desc
	subscribers *prometheus.Desc
	submitted   *prometheus.Desc
	executed    *prometheus.Desc
	failed      *prometheus.Desc
	rejected    *prometheus.Desc
	discarded   *prometheus.Desc

	triggerFired   *prometheus.Desc
	triggerSkipped *prometheus.Desc
	triggerNext    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector for lane. triggers may be nil.
func NewCollector(lane LaneSource, triggers TriggerSource) *Collector {
	laneDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", name), help, []string{"lane"}, nil)
	}
	triggerDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "trigger", name), help, []string{"trigger"}, nil)
	}
	return &Collector{
		lane:     lane,
		triggers: triggers,

		queueLen:    laneDesc("queue_length", "Tasks waiting to run."),
		queueCap:    laneDesc("queue_capacity", "Queue bound; 0 means unbounded."),
		busy:        laneDesc("busy", "1 while a task is running."),
		state:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "lane", "state"), "Current lane state.", []string{"lane", "state"}, nil),
		subscribers: laneDesc("subscribers", "Registered event subscribers."),
		submitted:   laneDesc("submitted_total", "Tasks accepted."),
		executed:    laneDesc("executed_total", "Tasks run to completion or failure."),
		failed:      laneDesc("failed_total", "Tasks that panicked."),
		rejected:    laneDesc("rejected_total", "Submissions refused."),
		discarded:   laneDesc("discarded_total", "Queued tasks dropped on dispose."),

		triggerFired:   triggerDesc("fired_total", "Runs submitted by the trigger."),
		triggerSkipped: triggerDesc("skipped_total", "Firings skipped while a previous run was pending."),
		triggerNext:    triggerDesc("next_fire_timestamp_seconds", "Unix time of the next firing."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueLen, c.queueCap, c.busy, c.state, c.subscribers,
		c.submitted, c.executed, c.failed, c.rejected, c.discarded,
		c.triggerFired, c.triggerSkipped, c.triggerNext,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.lane.Snapshot()
	name := snap.Name

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
	}

	gauge(c.queueLen, float64(snap.QueueLen), name)
	gauge(c.queueCap, float64(snap.QueueCap), name)
	busy := 0.0
	if snap.State == scheduler.StateBusy {
		busy = 1
	}
	gauge(c.busy, busy, name)
	for _, st := range states {
		v := 0.0
		if snap.State == st {
			v = 1
		}
		gauge(c.state, v, name, string(st))
	}
	gauge(c.subscribers, float64(snap.Subscribers), name)

	counter(c.submitted, snap.Submitted)
	counter(c.executed, snap.Executed)
	counter(c.failed, snap.Failed)
	counter(c.rejected, snap.Rejected)
	counter(c.discarded, snap.Discarded)

	if c.triggers == nil {
		return
	}
	for _, e := range c.triggers.Entries() {
		ch <- prometheus.MustNewConstMetric(c.triggerFired, prometheus.CounterValue, float64(e.Fired), e.Name)
		ch <- prometheus.MustNewConstMetric(c.triggerSkipped, prometheus.CounterValue, float64(e.Skipped), e.Name)
		if !e.Next.IsZero() {
			gauge(c.triggerNext, float64(e.Next.Unix()), e.Name)
		}
	}
}
