package queue_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBroadcaster collects every envelope handed to Broadcast, safe
// for concurrent use since AddMessage broadcasts on its own goroutine.
type recordingBroadcaster struct {
	mu        sync.Mutex
	envelopes []bbq.MessageEnvelope
}

func (b *recordingBroadcaster) Broadcast(e bbq.MessageEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, e)
}

func (b *recordingBroadcaster) all() []bbq.MessageEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bbq.MessageEnvelope, len(b.envelopes))
	copy(out, b.envelopes)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestHappyPath(t *testing.T) {
	bc := &recordingBroadcaster{}
	q, err := queue.New("q", t.TempDir(), bc)
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	msg, err := q.AddMessage("hi")
	require.NoError(t, err)

	pipeline, fails := q.Snapshot()
	assert.Len(t, pipeline, 1)
	assert.Empty(t, fails)

	waitFor(t, time.Second, func() bool { return len(bc.all()) > 0 })
	assert.Equal(t, "hi", bc.all()[0].Value)

	q.Done(msg.ID)
	waitFor(t, 2*time.Second, func() bool {
		pipeline, _ := q.Snapshot()
		return len(pipeline) == 0
	})
	assert.False(t, fileExists(msg.Path))
}

func TestSizeOverflow(t *testing.T) {
	bc := &recordingBroadcaster{}
	q, err := queue.New("q", t.TempDir(), bc, queue.WithSize(5))
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	_, err = q.AddMessage("Hello, World!")
	require.Error(t, err)
	assert.ErrorIs(t, err, bbq.ErrMessageTooLarge)

	pipeline, _ := q.Snapshot()
	assert.Empty(t, pipeline)
	assert.Empty(t, bc.all())
}

func TestMessageUndefined(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{})
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	_, err = q.AddMessage(nil)
	assert.ErrorIs(t, err, bbq.ErrMessageUndefined)
}

func TestQueueFull(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{}, queue.WithLimit(1))
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	_, err = q.AddMessage("first")
	require.NoError(t, err)

	_, err = q.AddMessage("second")
	assert.ErrorIs(t, err, bbq.ErrQueueFull)
}

func TestFailMovesToFailsAndIsIdempotent(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{})
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	msg, err := q.AddMessage(float64(42))
	require.NoError(t, err)

	failed, err := q.Fail(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, 1, failed.FailedCount)

	pipeline, fails := q.Snapshot()
	assert.Empty(t, pipeline)
	assert.Len(t, fails, 1)

	againSame, err := q.Fail(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, againSame)
	assert.Equal(t, 1, againSame.FailedCount, "failing an already-failed message returns it unchanged")
}

func TestFailUnknownIDReturnsNilNotError(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{})
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	result, err := q.Fail("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetFailRemovesAndDecodes(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{})
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	msg, err := q.AddMessage(map[string]any{"a": float64(1)})
	require.NoError(t, err)
	_, err = q.Fail(msg.ID)
	require.NoError(t, err)

	envelope, err := q.GetFail(msg.ID)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	assert.Equal(t, map[string]any{"a": float64(1)}, envelope.Value)

	_, fails := q.Snapshot()
	assert.Empty(t, fails)

	again, err := q.GetFail(msg.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestEncryptionAtRestRoundTrips(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{}, queue.WithSecretKey("top-secret"))
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	msg, err := q.AddMessage("plaintext value")
	require.NoError(t, err)

	raw := readFile(t, msg.Path)
	assert.NotContains(t, string(raw), "plaintext value", "payload file must not contain the plaintext")

	_, err = q.Fail(msg.ID)
	require.NoError(t, err)
	envelope, err := q.GetFail(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "plaintext value", envelope.Value)
}

func TestDedupeRejectsRepeatedPayload(t *testing.T) {
	q, err := queue.New("q", t.TempDir(), &recordingBroadcaster{}, queue.WithDedupe(true))
	require.NoError(t, err)
	require.NoError(t, q.Setup())

	_, err = q.AddMessage("same")
	require.NoError(t, err)

	_, err = q.AddMessage("same")
	assert.ErrorIs(t, err, bbq.ErrNameDuplicate)

	pipeline, _ := q.Snapshot()
	assert.Len(t, pipeline, 1)
}

func TestRestartRestoresPipelineAndRebroadcasts(t *testing.T) {
	dir := t.TempDir()
	bc1 := &recordingBroadcaster{}
	q1, err := queue.New("q", dir, bc1)
	require.NoError(t, err)
	require.NoError(t, q1.Setup())

	for _, v := range []string{"a", "b", "c"} {
		_, err := q1.AddMessage(v)
		require.NoError(t, err)
	}
	waitFor(t, time.Second, func() bool { return len(bc1.all()) == 3 })
	q1.Stop()

	bc2 := &recordingBroadcaster{}
	q2, err := queue.New("q", dir, bc2)
	require.NoError(t, err)
	require.NoError(t, q2.Setup())

	pipeline, _ := q2.Snapshot()
	require.Len(t, pipeline, 3)
	for i := 1; i < len(pipeline); i++ {
		assert.LessOrEqual(t, pipeline[i-1].CreatedAt, pipeline[i].CreatedAt)
	}

	envelopes := bc2.all()
	require.Len(t, envelopes, 3)
	values := []any{envelopes[0].Value, envelopes[1].Value, envelopes[2].Value}
	assert.Equal(t, []any{"a", "b", "c"}, values)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}
