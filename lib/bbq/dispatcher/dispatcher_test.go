package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/dispatcher"
	"github.com/knfs-library/bbq/lib/bbq/queue"
	"github.com/knfs-library/bbq/lib/bbq/worker"
)

func newDispatcher(t *testing.T, opts ...dispatcher.Option) *dispatcher.Dispatcher {
	t.Helper()
	opts = append([]dispatcher.Option{dispatcher.WithPath(t.TempDir())}, opts...)
	d, err := dispatcher.New(opts...)
	require.NoError(t, err)
	require.NoError(t, d.Setup())
	t.Cleanup(d.Shutdown)
	return d
}

func TestHappyPathThroughDispatcher(t *testing.T) {
	d := newDispatcher(t)

	q, err := d.CreateQueue("q")
	require.NoError(t, err)

	w, err := d.CreateWorker("w")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen any
	cb := worker.InProcess(func(ctx context.Context, handle worker.Handle) error {
		mu.Lock()
		seen = handle.Envelope.Value
		mu.Unlock()
		return nil
	})
	require.NoError(t, w.CreateJob("j", "q", cb))

	_, err = q.AddMessage("hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == "hi"
	}, time.Second, 5*time.Millisecond)
}

func TestCreateQueueIsIdempotentByName(t *testing.T) {
	d := newDispatcher(t)

	q1, err := d.CreateQueue("q")
	require.NoError(t, err)
	q2, err := d.CreateQueue("q")
	require.NoError(t, err)
	assert.Same(t, q1, q2)
}

func TestGetQueueAndGetQueueById(t *testing.T) {
	d := newDispatcher(t)
	q, err := d.CreateQueue("q")
	require.NoError(t, err)

	byName, err := d.GetQueue("q")
	require.NoError(t, err)
	assert.Same(t, q, byName)

	byID, err := d.GetQueueById(q.ID)
	require.NoError(t, err)
	assert.Same(t, q, byID)

	_, err = d.GetQueue("missing")
	assert.ErrorIs(t, err, bbq.ErrQueueNotFound)

	_, err = d.GetQueueById("missing")
	assert.ErrorIs(t, err, bbq.ErrQueueNotFound)
}

func TestDeleteQueueRemovesDirectoryAndRegistration(t *testing.T) {
	d := newDispatcher(t)
	q, err := d.CreateQueue("q")
	require.NoError(t, err)

	path := q.Path
	require.NoError(t, d.DeleteQueue("q"))

	_, err = d.GetQueue("q")
	assert.ErrorIs(t, err, bbq.ErrQueueNotFound)
	assert.NoDirExists(t, path)
}

func TestCreateWorkerRejectsDuplicateName(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.CreateWorker("w")
	require.NoError(t, err)

	_, err = d.CreateWorker("w")
	assert.ErrorIs(t, err, bbq.ErrNameDuplicate)
}

func TestListenRoutesByDescendingPriority(t *testing.T) {
	d := newDispatcher(t)
	q, err := d.CreateQueue("q")
	require.NoError(t, err)

	low, err := d.CreateWorker("low", worker.WithPriority(1))
	require.NoError(t, err)
	high, err := d.CreateWorker("high", worker.WithPriority(10))
	require.NoError(t, err)

	var mu sync.Mutex
	var winner string
	cb := func(name string) worker.Callback {
		return worker.InProcess(func(ctx context.Context, handle worker.Handle) error {
			mu.Lock()
			winner = name
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, low.CreateJob("j", "q", cb("low")))
	require.NoError(t, high.CreateJob("j", "q", cb("high")))

	_, err = q.AddMessage("race")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return winner != ""
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "high", winner, "the higher-priority worker must win routing")
}

func TestRestartRestoresRegisteredQueues(t *testing.T) {
	root := t.TempDir()

	d1, err := dispatcher.New(dispatcher.WithPath(root))
	require.NoError(t, err)
	require.NoError(t, d1.Setup())

	q1, err := d1.CreateQueue("q")
	require.NoError(t, err)
	_, err = q1.AddMessage("persisted")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pipeline, _ := q1.Snapshot()
		return len(pipeline) == 1
	}, time.Second, 5*time.Millisecond)
	q1.Stop()

	d2, err := dispatcher.New(dispatcher.WithPath(root))
	require.NoError(t, err)
	require.NoError(t, d2.Setup())

	q2, err := d2.GetQueue("q")
	require.NoError(t, err)
	pipeline, _ := q2.Snapshot()
	require.Len(t, pipeline, 1)
	assert.Equal(t, "persisted", mustReadValue(t, q2, pipeline[0].ID))
}

// TestRestartRestoresPerQueueOptions proves a queue created with its own
// secretKey (distinct from the dispatcher's default options) still decrypts
// its on-disk messages after a process restart. Before metabbq.json carried
// per-queue options, applyQueue always recreated queues with the
// dispatcher's defaults, silently corrupting this queue's messages on
// restart.
func TestRestartRestoresPerQueueOptions(t *testing.T) {
	root := t.TempDir()

	d1, err := dispatcher.New(dispatcher.WithPath(root), dispatcher.WithDefaultQueueOptions(queue.WithSecretKey("default-secret-key-32-bytes!!!!!")))
	require.NoError(t, err)
	require.NoError(t, d1.Setup())

	q1, err := d1.CreateQueue("secure", queue.WithSecretKey("queue-specific-secret-key-32-by"), queue.WithSize(4096))
	require.NoError(t, err)
	_, err = q1.AddMessage("top secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pipeline, _ := q1.Snapshot()
		return len(pipeline) == 1
	}, time.Second, 5*time.Millisecond)
	q1.Stop()

	d2, err := dispatcher.New(dispatcher.WithPath(root), dispatcher.WithDefaultQueueOptions(queue.WithSecretKey("default-secret-key-32-bytes!!!!!")))
	require.NoError(t, err)
	require.NoError(t, d2.Setup())

	q2, err := d2.GetQueue("secure")
	require.NoError(t, err)
	assert.Equal(t, "queue-specific-secret-key-32-by", q2.Config().SecretKey)
	assert.Equal(t, 4096, q2.Config().Size)

	pipeline, _ := q2.Snapshot()
	require.Len(t, pipeline, 1)
	assert.Equal(t, "top secret", mustReadValue(t, q2, pipeline[0].ID))
}

func mustReadValue(t *testing.T, q *queue.Queue, messageID string) any {
	t.Helper()
	failed, err := q.Fail(messageID)
	require.NoError(t, err)
	require.NotNil(t, failed)
	envelope, err := q.GetFail(messageID)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	return envelope.Value
}

func TestBackPressureWithoutAnyWorkerEventuallyRoutesOnce(t *testing.T) {
	d := newDispatcher(t, dispatcher.WithDefaultQueueOptions(queue.WithRebroadcastTime(10 * time.Millisecond)))
	q, err := d.CreateQueue("q")
	require.NoError(t, err)

	_, err = q.AddMessage("lonely")
	require.NoError(t, err)

	// No worker registered yet: Listen must keep rebroadcasting with
	// back-off instead of dropping the message.
	time.Sleep(50 * time.Millisecond)

	w, err := d.CreateWorker("w")
	require.NoError(t, err)

	var mu sync.Mutex
	var calls int
	cb := worker.InProcess(func(ctx context.Context, handle worker.Handle) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	require.NoError(t, w.CreateJob("j", "q", cb))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
}
