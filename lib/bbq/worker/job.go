package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/queue"
	"github.com/knfs-library/bbq/lib/bbq/runtime"
)

var log = logging.Logger("bbq/worker")

// attempt is one live Job (or ScheduleJob) instance: one execution context
// for one message, possibly spanning several retries.
type attempt struct {
	id    string
	tried int
	rt    *runtime.ExecRuntime
}

// Job is one Worker-owned execution context bound to a queue: it consumes
// envelopes, enforces timeout and retry accounting, and reports outcomes
// back to the Queue (spec.md §3 "Job descriptor", §4.2).
type Job struct {
	Name       string
	WorkerName string
	QueueName  string
	Callback   Callback
	Options    JobOptions

	worker *Worker
	q      *queue.Queue
	sem    *semaphore.Weighted

	mu             sync.Mutex
	workingMessage []bbq.MessageEnvelope
	instances      map[string]*attempt
}

func newJob(name, workerName, queueName string, cb Callback, opts JobOptions, w *Worker, q *queue.Queue) *Job {
	return &Job{
		Name:       name,
		WorkerName: workerName,
		QueueName:  queueName,
		Callback:   cb,
		Options:    opts,
		worker:     w,
		q:          q,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		instances:  make(map[string]*attempt),
	}
}

// pendingLen returns the current workingMessage length, used by Worker.Run
// to pick the least-loaded eligible Job.
func (j *Job) pendingLen() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.workingMessage)
}

// accept appends envelope to workingMessage if it has room, and kicks the
// concurrency loop. Returns false if the Job is already at
// WorkingMessageCount.
func (j *Job) accept(envelope bbq.MessageEnvelope) bool {
	j.mu.Lock()
	if len(j.workingMessage) >= j.Options.WorkingMessageCount {
		j.mu.Unlock()
		return false
	}
	j.workingMessage = append(j.workingMessage, envelope)
	j.mu.Unlock()

	j.pump()
	return true
}

// pump starts new instances while concurrency allows and there is
// unserved work in workingMessage (spec.md §4.4 "kick its concurrency
// loop"). Concurrency slots are tracked with a weighted semaphore rather
// than a hand-rolled counter. The head envelope is popped off workingMessage
// the moment it is selected, not when the spawned attempt later calls
// DownMessage: DownMessage runs asynchronously inside the goroutine this
// starts, so leaving the envelope in place until then would let a second
// loop iteration see the same unchanged head and dispatch it again.
func (j *Job) pump() {
	for {
		j.mu.Lock()
		if len(j.workingMessage) == 0 {
			j.mu.Unlock()
			return
		}
		if !j.sem.TryAcquire(1) {
			j.mu.Unlock()
			return
		}
		envelope := j.workingMessage[0]
		j.workingMessage = j.workingMessage[1:]
		a := &attempt{id: uuid.NewString()}
		j.instances[a.id] = a
		j.mu.Unlock()

		go j.try(a, envelope, "try")
	}
}

// removeInstance frees instance id's concurrency slot and resumes the
// pump, invoked by Worker.DownInstance.
func (j *Job) removeInstance(id string) {
	j.mu.Lock()
	delete(j.instances, id)
	j.mu.Unlock()
	j.sem.Release(1)
	j.pump()
}

// try executes one attempt of envelope. mode "try" notifies the Worker the
// message was accepted (removing it from workingMessage); mode "retry"
// reuses the same instance without re-notifying (spec.md §4.2).
func (j *Job) try(a *attempt, envelope bbq.MessageEnvelope, mode string) {
	j.mu.Lock()
	a.tried++
	tried := a.tried
	j.mu.Unlock()

	if mode == "try" {
		j.worker.DownMessage(j.Name, envelope)
	}

	cloned, err := envelope.Clone()
	if err != nil {
		cloned = envelope
	}

	handle := Handle{
		JobID:      a.id,
		JobName:    j.Name,
		WorkerName: j.WorkerName,
		QueueName:  j.QueueName,
		HandleAt:   time.Now().UnixMilli(),
		Tried:      tried,
		Envelope:   cloned,
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.Options.Timeout)
	defer cancel()

	var runErr error
	if j.Callback.IsExternal() {
		runErr = runExternal(ctx, j.Callback, a, handle)
	} else {
		runErr = runInProcess(ctx, j.Callback.fn, handle)
	}

	if runErr == nil {
		j.onSuccess(a, envelope)
		return
	}
	j.onFailure(a, envelope, tried, runErr)
}

// onSuccess reports completion to the Queue and frees the instance.
func (j *Job) onSuccess(a *attempt, envelope bbq.MessageEnvelope) {
	j.q.Done(envelope.ID)
	j.worker.DownInstance(j.Name, a.id, kindJob)
}

// onFailure routes envelope to the Queue's fails list and either schedules
// a retry or, once the retry budget (or a PermanentError) ends the attempt,
// frees the instance for good (spec.md §4.2, §7).
func (j *Job) onFailure(a *attempt, envelope bbq.MessageEnvelope, tried int, runErr error) {
	var permanent *PermanentError
	isPermanent := errors.As(runErr, &permanent)

	if _, err := j.q.Fail(envelope.ID); err != nil {
		log.Warnw("bbq: fail message", "id", envelope.ID, "err", err)
	}

	if !isPermanent && tried < j.Options.Retry+1 {
		time.AfterFunc(j.Options.RetryAfter, func() {
			j.try(a, envelope, "retry")
		})
		return
	}

	log.Warnw("bbq: job exhausted retries", "job", j.Name, "message", envelope.ID, "tried", tried, "err", runErr)
	j.worker.DownInstance(j.Name, a.id, kindJob)
}

// runInProcess races fn against ctx's deadline.
func runInProcess(ctx context.Context, fn CallbackFunc, handle Handle) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in callback: %v", r)
			}
		}()
		done <- fn(ctx, handle)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return bbq.ErrTimeout
	}
}

// runExternal starts an isolated runtime for the callback module at
// callback's path, sends the invocation, and waits for a terminal result or
// ctx's deadline, terminating the runtime either way.
func runExternal(ctx context.Context, callback Callback, a *attempt, handle Handle) error {
	rt := runtime.New(callback.path)
	a.rt = rt

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", bbq.ErrWorkerRuntime, err)
	}
	defer rt.Terminate()

	if err := rt.Send(runtime.Invocation{Path: callback.path, Handle: handle}); err != nil {
		return err
	}

	for {
		select {
		case res, ok := <-rt.Results():
			if !ok {
				return fmt.Errorf("%w: runtime closed without a result", bbq.ErrWorkerRuntime)
			}
			switch res.Event {
			case runtime.EventSuccess:
				return nil
			case runtime.EventError:
				return fmt.Errorf("%w: %s", bbq.ErrWorkerRuntime, res.Error)
			case runtime.EventExit:
				continue
			}
		case <-ctx.Done():
			return bbq.ErrTimeout
		}
	}
}
