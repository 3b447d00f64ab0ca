// Package maintenance runs periodic housekeeping jobs on cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"autoreply/internal/eventbus"
	rtsup "autoreply/internal/runtime/supervisor"
	logx "autoreply/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run. Zero means no limit beyond Stop.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus is a point-in-time view of one registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     uint64    `json:"runs"`
	Skipped  uint64    `json:"skipped"`
	Failures uint64    `json:"failures"`
}

type jobDef struct {
	Job
	spec    string
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler triggers jobs from cron and runs each one under a supervisor.
// A job still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	mu     sync.Mutex
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	c    *cron.Cron
	sup  *rtsup.Supervisor
	defs map[string]*jobDef
}

func New(log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Scheduler{
		log:    log,
		bus:    bus,
		parser: specParser,
		defs:   map[string]*jobDef{},
	}
}

// Add registers j, replacing any job with the same name. Jobs added before
// Start are scheduled when it runs.
func (s *Scheduler) Add(j Job) error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func required", j.Name)
	}
	spec, err := NormalizeSchedule(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(j.Name)
	d := &jobDef{Job: j, spec: spec}
	s.defs[j.Name] = d
	if s.c != nil {
		return s.scheduleLocked(d)
	}
	return nil
}

// Remove unregisters a job. A run already in progress finishes.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Scheduler) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Scheduler) scheduleLocked(d *jobDef) error {
	sup := s.sup
	id, err := s.c.AddFunc(d.spec, func() {
		sup.Go0("job."+d.Name, func(ctx context.Context) { s.runJob(ctx, d) })
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", d.Name, err)
	}
	d.entryID = id
	s.log.Debug("job scheduled", logx.String("job", d.Name), logx.String("spec", d.spec), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.c = cron.New(cron.WithParser(s.parser))
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("job", d.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering, then cancels and waits for running jobs within ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("jobs still running at stop", logx.Int64("active", sup.Counters().Active))
	}
	s.log.Info("scheduler stopped")
}

// RunNow runs a job synchronously, honoring the overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runJob(ctx, d)
}

func (s *Scheduler) runJob(ctx context.Context, d *jobDef) error {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("job still running; tick skipped", logx.String("job", d.Name))
		return nil
	}
	defer d.running.Store(false)

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.Run(ctx)
	took := time.Since(start)

	d.runs.Add(1)
	d.mu.Lock()
	d.lastRun = start
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		d.failures.Add(1)
		s.log.Error("job failed", logx.String("job", d.Name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job finished", logx.String("job", d.Name), logx.Duration("took", took))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: time.Now(), Data: map[string]any{
		"job": d.Name, "took_ms": took.Milliseconds(), "ok": err == nil,
	}})
	return err
}

func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.defs))
	for _, d := range s.defs {
		st := JobStatus{
			Name:     d.Name,
			Spec:     d.spec,
			Runs:     d.runs.Load(),
			Skipped:  d.skipped.Load(),
			Failures: d.failures.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			st.Next = s.c.Entry(d.entryID).Next
		}
		d.mu.Lock()
		st.LastRun = d.lastRun
		st.LastErr = d.lastErr
		d.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
