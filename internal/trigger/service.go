package trigger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"onelane/pkg/disposable"
	logx "onelane/pkg/logx"
	"onelane/pkg/scheduler"
)

// Submitter is the part of a scheduler lane the trigger service needs.
type Submitter interface {
	SubmitFunc(name string, fn func() error) error
}

type Config struct {
	// Timezone is an IANA name, e.g. "Europe/Berlin". Empty means local time.
	Timezone string
}

var ErrUnknown = errors.New("unknown trigger")

type entry struct {
	name string
	raw  string
	spec Spec
	run  func() error

	id       cron.EntryID
	inflight atomic.Bool
	fired    atomic.Uint64
	skipped  atomic.Uint64
}

// EntryInfo describes a registered trigger.
type EntryInfo struct {
	Name    string
	Spec    string
	Kind    Kind
	Next    time.Time
	Prev    time.Time
	Fired   uint64
	Skipped uint64
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	lane    Submitter
	c       *cron.Cron
	loc     *time.Location
	running bool
	entries map[string]*entry
}

func New(cfg Config, lane Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		lane:    lane,
		entries: map[string]*entry{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	s.c = s.newCron(s.loc)
	return s
}

func (s *Service) newCron(loc *time.Location) *cron.Cron {
	return cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply updates the config. A timezone change rebuilds the cron runner and
// re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}

	old := s.c
	s.loc = s.loadLocation(cfg.Timezone)
	s.c = s.newCron(s.loc)
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("trigger re-register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	if s.running {
		old.Stop()
		s.c.Start()
	}
	s.log.Info("trigger timezone changed", logx.String("tz", s.loc.String()))
}

// Start begins firing triggers. It is idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.entries)))
}

// Stop stops firing. Runs already submitted to the lane are not affected.
// Registered triggers are kept and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.c
	// A stopped cron.Cron cannot be restarted safely; keep a fresh one for the next Start.
	s.c = s.newCron(s.loc)
	for _, e := range s.entries {
		_ = s.registerLocked(e)
	}
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// Add registers task under name, replacing any trigger with the same name.
// Disposing the result removes the trigger.
func (s *Service) Add(name, schedule string, task scheduler.Task) (disposable.Disposable, error) {
	if task == nil {
		return nil, scheduler.ErrNilTask
	}
	return s.AddFunc(name, schedule, func() error {
		task()
		return nil
	})
}

// AddFunc is Add for a task that reports failure by returning an error.
func (s *Service) AddFunc(name, schedule string, fn func() error) (disposable.Disposable, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("trigger name required")
	}
	if fn == nil {
		return nil, scheduler.ErrNilTask
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	e := &entry{name: name, raw: schedule, spec: spec, run: fn}

	s.mu.Lock()
	s.removeLocked(name)
	if err := s.registerLocked(e); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.entries[name] = e
	s.mu.Unlock()

	s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", spec.String()))

	return disposable.New(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entries[name]; ok && cur == e {
			s.removeLocked(name)
		}
	}), nil
}

func (s *Service) registerLocked(e *entry) error {
	sched, err := e.spec.schedule()
	if err != nil {
		return err
	}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	return nil
}

// Remove unregisters the trigger called name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.c.Remove(e.id)
	delete(s.entries, name)
	return true
}

// RunNow fires the trigger called name immediately, subject to the same
// overlap rule as a scheduled firing.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return ErrUnknown
	}
	s.fire(e)
	return nil
}

func (s *Service) fire(e *entry) {
	if !e.inflight.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("trigger skipped: previous run pending", logx.String("name", e.name))
		return
	}
	e.fired.Add(1)
	err := s.lane.SubmitFunc(e.name, func() error {
		defer e.inflight.Store(false)
		return e.run()
	})
	if err != nil {
		e.inflight.Store(false)
		s.log.Warn("trigger submit failed", logx.String("name", e.name), logx.Err(err))
	}
}

// Entries lists registered triggers sorted by name.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{
			Name:    e.name,
			Spec:    e.spec.String(),
			Kind:    e.spec.Kind,
			Fired:   e.fired.Load(),
			Skipped: e.skipped.Load(),
		}
		ce := s.c.Entry(e.id)
		info.Next = ce.Next
		info.Prev = ce.Prev
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered trigger names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
