// Package worker maintains the set of Jobs and ScheduleJobs bound to
// queues: it routes incoming messages to the least-loaded eligible Job,
// enforces concurrency and in-flight caps, and drives the one-minute tick
// that fires ScheduleJobs (spec.md §4.4).
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/cron"
	"github.com/knfs-library/bbq/lib/bbq/queue"
)

// instanceKind disambiguates which registry DownInstance should look in.
type instanceKind string

const (
	kindJob      instanceKind = "job"
	kindSchedule instanceKind = "schedule"
)

// Worker is a named registry of Jobs and ScheduleJobs. It owns its
// descriptors exclusively; Queue/Dispatcher back-references are held only
// through the narrow QueueResolver interface (spec.md §3 "Ownership").
type Worker struct {
	Name string
	cfg  Config

	resolver QueueResolver

	mu           sync.Mutex
	jobs         []*Job // registration order, used for the tie-break rule
	scheduleJobs []*ScheduleJob
	observer     map[string]bool // queueId -> currently accepting routing

	tickStop chan struct{}
	stopOnce sync.Once
}

// New constructs a Worker backed by resolver, which it uses to look up
// queues by name and to ask for saturated messages to be retried. It
// immediately starts the ScheduleJob tick loop in the background (spec.md
// §4.4: "Starts a 60-second tick timer"); Stop cancels it.
func New(name string, resolver QueueResolver, opts ...Option) (*Worker, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("worker: apply option: %w", err)
		}
	}
	w := &Worker{
		Name:     name,
		cfg:      cfg,
		resolver: resolver,
		observer: make(map[string]bool),
		tickStop: make(chan struct{}),
	}
	go w.Start(w.tickStop)
	return w, nil
}

// Stop cancels this Worker's ScheduleJob tick loop. Safe to call more than
// once; a no-op after the first call (spec.md §5: "Process shutdown cancels
// all timers").
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.tickStop) })
}

// Priority returns this Worker's routing priority (spec.md §4.5).
func (w *Worker) Priority() int {
	return w.cfg.Priority
}

// CreateJob registers a Job named name consuming queueName, rejecting a
// duplicate name within this Worker (spec.md §4.4).
func (w *Worker) CreateJob(name, queueName string, cb Callback, opts ...JobOption) error {
	if err := cb.Validate(); err != nil {
		return err
	}

	options := defaultJobOptions()
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return fmt.Errorf("worker: apply job option: %w", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.findJobLocked(name) != nil || w.findScheduleJobLocked(name) != nil {
		return fmt.Errorf("%w: %q", bbq.ErrNameDuplicate, name)
	}

	q, ok := w.resolver.Queue(queueName)
	if !ok {
		return fmt.Errorf("%w: %q", bbq.ErrQueueNotFound, queueName)
	}

	job := newJob(name, w.Name, queueName, cb, options, w, q)
	w.jobs = append(w.jobs, job)
	w.observer[q.ID] = true
	return nil
}

// CreateScheduleJob registers a ScheduleJob named name, firing whenever
// pattern matches at the Worker's tick cadence (spec.md §4.4).
func (w *Worker) CreateScheduleJob(name string, cb Callback, pattern string, sampleData any, opts ...ScheduleJobOption) error {
	if err := cb.Validate(); err != nil {
		return err
	}

	schedule, err := cron.Parse(pattern)
	if err != nil {
		return fmt.Errorf("worker: parse schedule pattern: %w", err)
	}

	options := defaultScheduleJobOptions()
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return fmt.Errorf("worker: apply scheduleJob option: %w", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.findJobLocked(name) != nil || w.findScheduleJobLocked(name) != nil {
		return fmt.Errorf("%w: %q", bbq.ErrNameDuplicate, name)
	}

	sj := newScheduleJob(name, w.Name, cb, schedule, sampleData, options, w)
	w.scheduleJobs = append(w.scheduleJobs, sj)
	return nil
}

func (w *Worker) findJobLocked(name string) *Job {
	for _, j := range w.jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

func (w *Worker) findScheduleJobLocked(name string) *ScheduleJob {
	for _, sj := range w.scheduleJobs {
		if sj.Name == name {
			return sj
		}
	}
	return nil
}

// Run is the core dispatch entry point: it picks the least-loaded eligible
// Job bound to q and hands it envelope, or applies back-pressure if every
// Job on q is saturated (spec.md §4.4).
func (w *Worker) Run(q *queue.Queue, envelope bbq.MessageEnvelope) {
	w.mu.Lock()
	var eligible []*Job
	for _, j := range w.jobs {
		if j.QueueName == q.Name && j.pendingLen() < j.Options.WorkingMessageCount {
			eligible = append(eligible, j)
		}
	}
	w.mu.Unlock()

	if len(eligible) == 0 {
		w.setObserver(envelope.QueueID, false)
		if w.resolver != nil {
			w.resolver.Rebroadcast(envelope, q.RebroadcastTime())
		}
		return
	}

	best := eligible[0]
	for _, j := range eligible[1:] {
		if j.pendingLen() < best.pendingLen() {
			best = j
		}
	}
	best.accept(envelope)
}

// DownMessage unpauses the queue observer envelope arrived on (spec.md
// §4.4). The named Job's workingMessage no longer holds envelope by the
// time this runs — Job.pump already popped it off when it selected envelope
// for this attempt — so the removal here is only a defensive no-op against
// any stale entry, not the primary mechanism.
func (w *Worker) DownMessage(jobName string, envelope bbq.MessageEnvelope) {
	w.mu.Lock()
	j := w.findJobLocked(jobName)
	w.mu.Unlock()
	if j != nil {
		j.mu.Lock()
		for i, m := range j.workingMessage {
			if m.ID == envelope.ID {
				j.workingMessage = append(j.workingMessage[:i], j.workingMessage[i+1:]...)
				break
			}
		}
		j.mu.Unlock()
	}

	w.setObserver(envelope.QueueID, true)
}

// DownInstance frees the named instance's concurrency slot on the named
// Job or ScheduleJob (spec.md §4.4).
func (w *Worker) DownInstance(name, instanceID string, kind instanceKind) {
	w.mu.Lock()
	var job *Job
	var sj *ScheduleJob
	switch kind {
	case kindJob:
		job = w.findJobLocked(name)
	case kindSchedule:
		sj = w.findScheduleJobLocked(name)
	}
	w.mu.Unlock()

	if job != nil {
		job.removeInstance(instanceID)
	}
	if sj != nil {
		sj.removeInstance(instanceID)
	}
}

// ExistObserverQueue reports whether this Worker currently accepts
// routing for queueID (spec.md §4.4).
func (w *Worker) ExistObserverQueue(queueID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	accepting, known := w.observer[queueID]
	return known && accepting
}

func (w *Worker) setObserver(queueID string, accepting bool) {
	if queueID == "" {
		return
	}
	w.mu.Lock()
	w.observer[queueID] = accepting
	w.mu.Unlock()
}

// Tick evaluates every registered ScheduleJob's cron pattern against at,
// firing the ones whose pattern matches and have a free concurrency slot.
// Start calls this once per TickInterval; callers that want deterministic
// control over scheduling (tests, or a host with its own clock source) may
// call it directly instead.
func (w *Worker) Tick(at time.Time) {
	w.mu.Lock()
	jobs := append([]*ScheduleJob(nil), w.scheduleJobs...)
	w.mu.Unlock()
	for _, sj := range jobs {
		sj.maybeFire(at)
	}
}

// Start begins the ScheduleJob tick loop, blocking until stop is closed or
// receives a value (spec.md §4.4: "Starts a 60-second tick timer").
func (w *Worker) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			w.Tick(now)
		}
	}
}
