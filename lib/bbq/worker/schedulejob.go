package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/cron"
)

// ScheduleJob is the time-triggered variant of Job: same retry/timeout
// contract, but fired by a cron-pattern tick instead of consuming a queue
// message, and carrying a constant sample payload (spec.md §4.3).
type ScheduleJob struct {
	Name       string
	WorkerName string
	Callback   Callback
	Options    ScheduleJobOptions
	SampleData any
	Pattern    cron.Schedule

	worker *Worker
	sem    *semaphore.Weighted

	mu        sync.Mutex
	instances map[string]*attempt
}

func newScheduleJob(name, workerName string, cb Callback, pattern cron.Schedule, sampleData any, opts ScheduleJobOptions, w *Worker) *ScheduleJob {
	return &ScheduleJob{
		Name:       name,
		WorkerName: workerName,
		Callback:   cb,
		Options:    opts,
		SampleData: sampleData,
		Pattern:    pattern,
		worker:     w,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		instances:  make(map[string]*attempt),
	}
}

// maybeFire evaluates the cron pattern against at and, if it matches and a
// concurrency slot is free, spins up a new instance. Saturated ticks are
// silently skipped (spec.md §4.4: "subject to concurrency").
func (sj *ScheduleJob) maybeFire(at time.Time) {
	if !cron.IsTimeToRun(sj.Pattern, sj.Options.Timezone, at) {
		return
	}

	if !sj.sem.TryAcquire(1) {
		return
	}

	sj.mu.Lock()
	a := &attempt{id: uuid.NewString()}
	sj.instances[a.id] = a
	sj.mu.Unlock()

	envelope, err := sj.syntheticEnvelope()
	if err != nil {
		log.Errorw("bbq: scheduleJob sample data encode", "name", sj.Name, "err", err)
		sj.removeInstance(a.id)
		return
	}

	go sj.try(a, envelope, "try")
}

// syntheticEnvelope mints a fresh message id and clones SampleData for one
// tick's execution (spec.md §4.3).
func (sj *ScheduleJob) syntheticEnvelope() (bbq.MessageEnvelope, error) {
	typ, err := bbq.DetectType(sj.SampleData)
	if err != nil {
		return bbq.MessageEnvelope{}, err
	}
	envelope := bbq.MessageEnvelope{
		Message: bbq.Message{
			ID:        uuid.NewString(),
			CreatedAt: time.Now().UnixMilli(),
			Type:      typ,
		},
		Value: sj.SampleData,
	}
	return envelope.Clone()
}

func (sj *ScheduleJob) removeInstance(id string) {
	sj.mu.Lock()
	delete(sj.instances, id)
	sj.mu.Unlock()
	sj.sem.Release(1)
}

// try mirrors Job.try, minus the Queue interactions ScheduleJob has none
// of: no downMessage (there is no workingMessage queue to pop from), no
// Queue.Fail/Done.
func (sj *ScheduleJob) try(a *attempt, envelope bbq.MessageEnvelope, mode string) {
	sj.mu.Lock()
	a.tried++
	tried := a.tried
	sj.mu.Unlock()

	cloned, err := envelope.Clone()
	if err != nil {
		cloned = envelope
	}

	handle := Handle{
		JobID:      a.id,
		JobName:    sj.Name,
		WorkerName: sj.WorkerName,
		HandleAt:   time.Now().UnixMilli(),
		Tried:      tried,
		Envelope:   cloned,
	}

	ctx, cancel := context.WithTimeout(context.Background(), sj.Options.Timeout)
	defer cancel()

	var runErr error
	if sj.Callback.IsExternal() {
		runErr = runExternal(ctx, sj.Callback, a, handle)
	} else {
		runErr = runInProcess(ctx, sj.Callback.fn, handle)
	}

	if runErr == nil {
		sj.worker.DownInstance(sj.Name, a.id, kindSchedule)
		return
	}

	var permanent *PermanentError
	isPermanent := errors.As(runErr, &permanent)
	if !isPermanent && tried < sj.Options.Retry+1 {
		time.AfterFunc(sj.Options.RetryAfter, func() {
			sj.try(a, envelope, "retry")
		})
		return
	}

	log.Warnw("bbq: scheduleJob exhausted retries", "name", sj.Name, "tried", tried, "err", fmt.Errorf("%w", runErr))
	sj.worker.DownInstance(sj.Name, a.id, kindSchedule)
}
