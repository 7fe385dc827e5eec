// Package scheduler runs named recurring tasks across many cooperating
// processes. Every process keeps its own cron timer; a persisted task lock
// decides which one executes a given firing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"regioncron/internal/worker"
)

type Locker interface {
	Acquire(ctx context.Context, taskName, holderID string, lease time.Duration) (bool, error)
	Release(ctx context.Context, taskName, holderID string) error
}

// Handler is a task body. The logger carries the task name and firing time.
type Handler func(ctx context.Context, firing time.Time, log zerolog.Logger) error

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Outcome string

const (
	OutcomeRan            Outcome = "ran"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedOverlap Outcome = "skipped_overlap"
	OutcomeSkippedLocked  Outcome = "skipped_locked"
	OutcomeLockError      Outcome = "lock_error"
)

const releaseTimeout = 10 * time.Second

type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	locks  Locker
	holder string
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	name     string
	spec     string
	schedule cron.Schedule
	lease    time.Duration
	handler  Handler
	running  atomic.Bool

	mu          sync.Mutex
	entry       cron.EntryID
	stopped     bool
	lastFiring  time.Time
	lastOutcome Outcome
	lastErr     string
	counts      map[Outcome]int64
}

// TaskStatus is a point-in-time view of a registered task.
type TaskStatus struct {
	Name        string            `json:"name"`
	Spec        string            `json:"spec"`
	State       State             `json:"state"`
	Lease       time.Duration     `json:"lease"`
	Next        time.Time         `json:"next,omitempty"`
	LastFiring  time.Time         `json:"last_firing,omitempty"`
	LastOutcome Outcome           `json:"last_outcome,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Counts      map[Outcome]int64 `json:"counts"`
	Stopped     bool              `json:"stopped"`
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler whose handlers run under ctx. holderID identifies
// this process in task locks.
func New(ctx context.Context, locks Locker, holderID string, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		ctx:    ctx,
		locks:  locks,
		holder: holderID,
		log:    log,
		now:    time.Now,
		tasks:  make(map[string]*task),
	}
	for _, o := range opts {
		o(s)
	}
	cl := cronLogger{log: log}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	return s
}

type TaskOption func(*task)

// WithLease sets a lock lease longer than the firing interval. Shorter values
// are ignored: the lease never drops below the interval.
func WithLease(d time.Duration) TaskOption {
	return func(t *task) {
		if d > t.lease {
			t.lease = d
		}
	}
}

// Handle controls one registered task.
type Handle struct {
	s    *Scheduler
	name string
}

func (h *Handle) Name() string { return h.name }

// Stop cancels future firings. A firing already in flight runs to completion.
func (h *Handle) Stop() {
	h.s.mu.Lock()
	t, ok := h.s.tasks[h.name]
	h.s.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	h.s.cron.Remove(t.entry)
	h.s.log.Info().Str("task", t.name).Msg("task unscheduled")
}

// Schedule registers handler under name, fired per the standard five-field
// cron spec (descriptors such as "@every 1m" are accepted too).
func (s *Scheduler) Schedule(spec, name string, handler Handler, opts ...TaskOption) (*Handle, error) {
	if name == "" {
		return nil, errors.New("task name is required")
	}
	if handler == nil {
		return nil, errors.New("task handler is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	t := &task{
		name:     name,
		spec:     spec,
		schedule: sched,
		lease:    Interval(sched, s.now()),
		handler:  handler,
		counts:   make(map[Outcome]int64),
	}
	for _, o := range opts {
		o(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[name]; dup {
		return nil, fmt.Errorf("task %q already scheduled", name)
	}
	t.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(t, s.now()) }))
	s.tasks[name] = t

	s.log.Info().
		Str("task", name).
		Str("spec", spec).
		Dur("lease", t.lease).
		Time("next_run", sched.Next(s.now())).
		Msg("task scheduled")
	return &Handle{s: s, name: name}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("tasks", len(s.Tasks())).Msg("scheduler started")
}

// Stop disables all future firings. The returned context is done once every
// in-flight firing has returned and released its lock.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// fire runs one firing of t: local overlap guard, lock, handler, release.
func (s *Scheduler) fire(t *task, at time.Time) (outcome Outcome) {
	log := s.log.With().Str("task", t.name).Time("firing", at).Logger()
	defer func() { t.record(at, outcome) }()

	if !t.running.CompareAndSwap(false, true) {
		log.Warn().Msg("previous firing still running locally, skipping")
		return OutcomeSkippedOverlap
	}
	defer t.running.Store(false)

	ok, err := s.locks.Acquire(s.ctx, t.name, s.holder, t.lease)
	if err != nil {
		log.Error().Err(err).Msg("lock acquisition failed, skipping firing")
		t.setErr(err)
		return OutcomeLockError
	}
	if !ok {
		log.Debug().Msg("lock held elsewhere, skipping firing")
		return OutcomeSkippedLocked
	}
	defer s.release(t, log)

	// the handler may not outlive its lease, or another process could start
	// the same task while this one is still running
	ctx, cancel := context.WithTimeout(s.ctx, t.lease)
	defer cancel()

	started := s.now()
	if err := s.run(ctx, t, at, log); err != nil {
		log.Error().Err(err).Dur("took", s.now().Sub(started)).Msg("task failed")
		t.setErr(err)
		return OutcomeFailed
	}
	t.setErr(nil)
	log.Info().Dur("took", s.now().Sub(started)).Msg("task completed")
	return OutcomeRan
}

func (s *Scheduler) run(ctx context.Context, t *task, at time.Time, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = worker.PanicError(r)
		}
	}()
	return t.handler(ctx, at, log)
}

func (s *Scheduler) release(t *task, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), releaseTimeout)
	defer cancel()
	if err := s.locks.Release(ctx, t.name, s.holder); err != nil {
		log.Error().Err(err).Msg("lock release failed; lease expiry will free it")
	}
}

// Tasks returns the status of every registered task, sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.status(s.cron))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *task) record(at time.Time, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFiring = at
	t.lastOutcome = o
	t.counts[o]++
}

func (t *task) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		t.lastErr = ""
		return
	}
	t.lastErr = err.Error()
}

func (t *task) status(c *cron.Cron) TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TaskStatus{
		Name:        t.name,
		Spec:        t.spec,
		State:       StateIdle,
		Lease:       t.lease,
		LastFiring:  t.lastFiring,
		LastOutcome: t.lastOutcome,
		LastError:   t.lastErr,
		Counts:      make(map[Outcome]int64, len(t.counts)),
		Stopped:     t.stopped,
	}
	if t.running.Load() {
		st.State = StateRunning
	}
	for k, v := range t.counts {
		st.Counts[k] = v
	}
	if !t.stopped {
		st.Next = c.Entry(t.entry).Next
	}
	return st
}

// Interval is the gap between the next two firings of sched after from.
func Interval(sched cron.Schedule, from time.Time) time.Duration {
	first := sched.Next(from)
	return sched.Next(first).Sub(first)
}

type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
