package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"onelane/pkg/disposable"
	logx "onelane/pkg/logx"
)

// Registrar binds a named task to a schedule. trigger.Service implements it.
type Registrar interface {
	AddFunc(name, schedule string, fn func() error) (disposable.Disposable, error)
}

// Task wraps j for the lane. The run is bound to ctx, so cancelling ctx kills
// a running command. A failed run returns its *RunError, which the lane
// reports as a failed task.
func Task(ctx context.Context, j Job, log logx.Logger) func() error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("job", j.Name))
	return func() error {
		res, err := Run(ctx, j)
		fields := []logx.Field{
			logx.Int("exit", res.ExitCode),
			logx.Int64("stdout_bytes", res.StdoutBytes),
			logx.Int64("stderr_bytes", res.StderrBytes),
			logx.Duration("took", res.Took),
		}
		if err != nil {
			log.Debug("job failed", append(fields, logx.Err(err))...)
			return err
		}
		log.Info("job finished", fields...)
		return nil
	}
}

type registration struct {
	job Job
	reg disposable.Disposable
}

// Set keeps the registered jobs in line with the configured list.
type Set struct {
	ctx      context.Context
	triggers Registrar
	log      logx.Logger

	mu   sync.Mutex
	regs map[string]registration
}

func NewSet(ctx context.Context, triggers Registrar, log logx.Logger) *Set {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Set{ctx: ctx, triggers: triggers, log: log, regs: map[string]registration{}}
}

// Apply registers new and edited jobs and removes the ones no longer listed.
// A job that fails to register is skipped; the others still apply.
func (s *Set) Apply(list []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]Job, len(list))
	for _, j := range list {
		j.Name = strings.TrimSpace(j.Name)
		want[j.Name] = j
	}

	for name, r := range s.regs {
		if _, ok := want[name]; !ok {
			r.reg.Dispose()
			delete(s.regs, name)
			s.log.Info("job removed", logx.String("job", name))
		}
	}

	var errs []error
	for name, j := range want {
		if cur, ok := s.regs[name]; ok && reflect.DeepEqual(cur.job, j) {
			continue
		}
		reg, err := s.triggers.AddFunc(name, j.Schedule, Task(s.ctx, j, s.log))
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
			continue
		}
		_, replaced := s.regs[name]
		s.regs[name] = registration{job: j, reg: reg}
		s.log.Info("job registered",
			logx.String("job", name),
			logx.String("schedule", j.Schedule),
			logx.Bool("replaced", replaced),
		)
	}
	return errors.Join(errs...)
}

// Names returns the registered job names, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.regs))
	for name := range s.regs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close unregisters every job.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.regs {
		r.reg.Dispose()
		delete(s.regs, name)
	}
}
