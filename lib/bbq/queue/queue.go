// Copyright (c) https://github.com/maragudk/goqite
// https://github.com/maragudk/goqite/blob/6d1bf3c0bcab5a683e0bc7a82a4c76ceac1bbe3f/LICENSE
//
// This source code is licensed under the MIT license found in the LICENSE file
// in the root directory of this source tree, or at:
// https://opensource.org/licenses/MIT

// Package queue implements the durable, named mailbox at the bottom of
// BBQ's component stack: persist, enumerate, encrypt, expire, and
// broadcast messages for one queue.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/bbqcrypto"
	"github.com/knfs-library/bbq/lib/bbq/internal/fsutil"
	"github.com/knfs-library/bbq/lib/bbq/logger"
)

var log = logging.Logger("bbq/queue")

// HashFunc computes a stable digest of a message's canonical serialized
// form, used by WithDedupe to detect repeats. Mirrors the teacher's
// dedup.HashFunc type.
type HashFunc func(serialized string) string

// DefaultHashFunc is crypto/sha256, matching the teacher's dedup default.
func DefaultHashFunc(serialized string) string {
	sum := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(sum[:])
}

// Queue is a durable, named mailbox. It owns its on-disk directory
// exclusively and exposes Add/Fail/GetFail/Done/ReBroadcast over an
// in-memory pipeline (live messages) and fails (failed messages) list, both
// kept sorted by CreatedAt ascending (spec.md §3 invariants).
type Queue struct {
	ID   string
	Name string
	Path string

	cfg         Config
	broadcaster Broadcaster
	log         logger.StandardLogger
	hash        HashFunc

	mu       sync.Mutex
	pipeline []bbq.Message
	fails    []bbq.Message
	timers   map[string]*time.Timer

	metaMu    sync.Mutex
	metaTimer *time.Timer
}

// metaSnapshot is the on-disk shape of <root>/<md5(name)>/metaq.json, exactly
// as spec.md §6 describes it.
type metaSnapshot struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	CreatedAt int64         `json:"createdAt"`
	Size      int           `json:"size"`
	Expire    float64       `json:"expire"`
	Limit     int           `json:"limit"`
	Secret    bool          `json:"secret"`
	Pipeline  []bbq.Message `json:"pipeline"`
	Fails     []bbq.Message `json:"fails"`
}

// New constructs a Queue rooted at <root>/<md5(name)>. It does not touch
// disk; call Setup to create the directory and restore persisted state.
func New(name, root string, broadcaster Broadcaster, opts ...Option) (*Queue, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("queue: apply option: %w", err)
		}
	}

	hash := HashFunc(DefaultHashFunc)
	if cfg.HashFunc != nil {
		hash = cfg.HashFunc
	}

	q := &Queue{
		ID:          uuid.NewString(),
		Name:        name,
		Path:        fsutil.QueueDir(root, name),
		cfg:         cfg,
		broadcaster: broadcaster,
		log:         cfg.Logger,
		hash:        hash,
		timers:      make(map[string]*time.Timer),
	}
	return q, nil
}

// Setup ensures the queue directory exists, restores prior state from
// metaq.json if present, re-arms expiration timers relative to now, writes
// a fresh snapshot, and re-broadcasts all prior work so it resumes (spec.md
// §4.1, open question 4: read the old snapshot before writing a new one, so
// there is never a window where it is lost).
func (q *Queue) Setup() error {
	if err := fsutil.EnsureDir(q.Path); err != nil {
		return err
	}
	if err := fsutil.EnsureDir(fsutil.MsgDir(q.Path)); err != nil {
		return err
	}

	metaPath := fsutil.MetaPath(q.Path)
	if fsutil.Exists(metaPath) {
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			return fmt.Errorf("queue: read meta %q: %w", metaPath, err)
		}
		var snap metaSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("queue: decode meta %q: %w", metaPath, err)
		}

		q.mu.Lock()
		q.ID = snap.ID
		q.pipeline = snap.Pipeline
		q.fails = snap.Fails
		now := time.Now().UnixMilli()
		for i := range q.pipeline {
			q.armExpiry(&q.pipeline[i], now)
		}
		for i := range q.fails {
			q.armExpiry(&q.fails[i], now)
		}
		q.mu.Unlock()
	}

	q.writeMetaNow()

	return q.ReBroadcast(true)
}

// armExpiry arms (or re-arms) the deletion timer for msg, honoring the
// remaining time-to-live across a restart: remaining = expire - (now -
// createdAt), clamped to at least 1ms. Callers must hold q.mu.
func (q *Queue) armExpiry(msg *bbq.Message, now int64) {
	if q.cfg.Expire <= 0 {
		return
	}
	elapsed := time.Duration(now-msg.CreatedAt) * time.Millisecond
	remaining := q.cfg.Expire - elapsed
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	q.armTimerLocked(msg.ID, remaining)
}

// armTimerLocked cancels any existing timer for id and arms a new one that
// deletes the message from whichever collection holds it. Callers must hold
// q.mu.
func (q *Queue) armTimerLocked(id string, after time.Duration) {
	if existing, ok := q.timers[id]; ok {
		existing.Stop()
	}
	q.timers[id] = time.AfterFunc(after, func() {
		q.removeMessage(id)
	})
}

// AddMessage validates, persists, and broadcasts value per spec.md §4.1.
func (q *Queue) AddMessage(value any) (bbq.Message, error) {
	if value == nil {
		return bbq.Message{}, bbq.ErrMessageUndefined
	}

	typ, err := bbq.DetectType(value)
	if err != nil {
		return bbq.Message{}, err
	}
	serialized, err := bbq.Serialize(value, typ)
	if err != nil {
		return bbq.Message{}, fmt.Errorf("queue: serialize: %w", err)
	}
	size := len(serialized)
	if q.cfg.Size > 0 && size > q.cfg.Size {
		return bbq.Message{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", bbq.ErrMessageTooLarge, size, q.cfg.Size)
	}

	q.mu.Lock()
	if q.cfg.Limit > 0 && len(q.pipeline)+1 > q.cfg.Limit {
		q.mu.Unlock()
		return bbq.Message{}, fmt.Errorf("%w: pipeline at %d/%d", bbq.ErrQueueFull, len(q.pipeline), q.cfg.Limit)
	}
	if q.cfg.Dedupe {
		digest := q.hash(serialized)
		if q.isDuplicateLocked(digest) {
			q.mu.Unlock()
			return bbq.Message{}, fmt.Errorf("%w: duplicate payload", bbq.ErrNameDuplicate)
		}
	}
	q.mu.Unlock()

	msg := bbq.Message{
		ID:        uuid.NewString(),
		Size:      size,
		CreatedAt: time.Now().UnixMilli(),
		Type:      typ,
	}
	msg.Path = fsutil.MsgPath(fsutil.MsgDir(q.Path), msg.ID)

	stored := serialized
	if q.cfg.SecretKey != "" {
		stored, err = bbqcrypto.Encrypt(q.cfg.SecretKey, serialized, q.cfg.CryptoMode)
		if err != nil {
			return bbq.Message{}, fmt.Errorf("%w: %v", bbq.ErrCrypto, err)
		}
	}
	if err := fsutil.WriteFileAtomic(msg.Path, []byte(stored), 0o644); err != nil {
		return bbq.Message{}, fmt.Errorf("queue: write payload: %w", err)
	}

	q.mu.Lock()
	q.insertSortedLocked(&q.pipeline, msg)
	if q.cfg.Expire > 0 {
		q.armTimerLocked(msg.ID, q.cfg.Expire)
	}
	q.mu.Unlock()

	q.scheduleMetaSnapshot()

	envelope := bbq.MessageEnvelope{
		Message: msg,
		QueueID: q.ID,
		Value:   value,
	}
	if q.broadcaster != nil {
		go q.broadcaster.Broadcast(envelope)
	}

	return msg, nil
}

// isDuplicateLocked reports whether digest matches the hash of any message
// currently in the pipeline. Callers must hold q.mu.
func (q *Queue) isDuplicateLocked(digest string) bool {
	for _, m := range q.pipeline {
		serialized, err := q.readPlain(m)
		if err != nil {
			continue
		}
		if q.hash(serialized) == digest {
			return true
		}
	}
	return false
}

// readPlain reads and decrypts (if needed) the payload for msg.
func (q *Queue) readPlain(msg bbq.Message) (string, error) {
	raw, err := os.ReadFile(msg.Path)
	if err != nil {
		return "", err
	}
	if q.cfg.SecretKey == "" {
		return string(raw), nil
	}
	return bbqcrypto.Decrypt(q.cfg.SecretKey, string(raw), q.cfg.CryptoMode)
}

// insertSortedLocked inserts msg into list preserving CreatedAt ascending
// order. Callers must hold q.mu.
func (q *Queue) insertSortedLocked(list *[]bbq.Message, msg bbq.Message) {
	idx := sort.Search(len(*list), func(i int) bool {
		return (*list)[i].CreatedAt > msg.CreatedAt
	})
	*list = append(*list, bbq.Message{})
	copy((*list)[idx+1:], (*list)[idx:])
	(*list)[idx] = msg
}

// Fail moves messageId from the pipeline into fails, incrementing
// FailedCount and stamping FailedAt. If the message is already in fails, it
// is returned unchanged. Returns nil if the id is unknown to either list
// (spec.md §4.1, §7: "Fail is never itself an error surface").
func (q *Queue) Fail(messageID string) (*bbq.Message, error) {
	q.mu.Lock()
	for _, m := range q.fails {
		if m.ID == messageID {
			copyM := m
			q.mu.Unlock()
			return &copyM, nil
		}
	}

	var result *bbq.Message
	for i, m := range q.pipeline {
		if m.ID != messageID {
			continue
		}
		q.pipeline = append(q.pipeline[:i], q.pipeline[i+1:]...)
		now := time.Now().UnixMilli()
		m.FailedAt = &now
		m.FailedCount++
		q.insertSortedLocked(&q.fails, m)
		copyM := m
		result = &copyM
		break
	}
	q.mu.Unlock()

	if result != nil {
		q.scheduleMetaSnapshot()
	}
	return result, nil
}

// GetFail removes messageId from fails and returns its decrypted envelope;
// the caller takes over responsibility for the message. Returns nil if
// absent.
func (q *Queue) GetFail(messageID string) (*bbq.MessageEnvelope, error) {
	q.mu.Lock()
	var found *bbq.Message
	for i, m := range q.fails {
		if m.ID == messageID {
			q.fails = append(q.fails[:i], q.fails[i+1:]...)
			found = &m
			break
		}
	}
	q.mu.Unlock()

	if found == nil {
		return nil, nil
	}

	serialized, err := q.readPlain(*found)
	if err != nil {
		return nil, fmt.Errorf("queue: read failed message payload: %w", err)
	}
	value, err := bbq.Deserialize(serialized, found.Type)
	if err != nil {
		return nil, fmt.Errorf("queue: decode failed message payload: %w", err)
	}

	q.scheduleMetaSnapshot()
	return &bbq.MessageEnvelope{
		Message: *found,
		QueueID: q.ID,
		Value:   value,
	}, nil
}

// Done schedules deletion of messageId in one second. Idempotent, and a
// no-op if messageId is empty (spec.md §4.1).
func (q *Queue) Done(messageID string) {
	if messageID == "" {
		return
	}
	q.mu.Lock()
	q.armTimerLocked(messageID, time.Second)
	q.mu.Unlock()
}

// removeMessage deletes the message id from whichever collection holds it,
// removes its payload file, and snapshots metadata. Used both by the
// expiration timer and by Done's deferred deletion.
func (q *Queue) removeMessage(id string) {
	q.mu.Lock()
	var path string
	removed := false
	for i, m := range q.pipeline {
		if m.ID == id {
			path = m.Path
			q.pipeline = append(q.pipeline[:i], q.pipeline[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		for i, m := range q.fails {
			if m.ID == id {
				path = m.Path
				q.fails = append(q.fails[:i], q.fails[i+1:]...)
				removed = true
				break
			}
		}
	}
	delete(q.timers, id)
	q.mu.Unlock()

	if !removed {
		return
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			q.log.Warnw("bbq: failed to remove message payload", "path", path, "err", err)
		}
	}
	q.scheduleMetaSnapshot()
}

// ReBroadcast re-emits every message in pipeline, and in fails if
// withFails, reading and decrypting each from disk as a fresh broadcast
// envelope. Used by Setup on restart and on operator request.
func (q *Queue) ReBroadcast(withFails bool) error {
	q.mu.Lock()
	pipeline := make([]bbq.Message, len(q.pipeline))
	copy(pipeline, q.pipeline)
	var fails []bbq.Message
	if withFails {
		fails = make([]bbq.Message, len(q.fails))
		copy(fails, q.fails)
	}
	q.mu.Unlock()

	rebroadcastOne := func(m bbq.Message) error {
		serialized, err := q.readPlain(m)
		if err != nil {
			return fmt.Errorf("queue: rebroadcast read %q: %w", m.ID, err)
		}
		value, err := bbq.Deserialize(serialized, m.Type)
		if err != nil {
			return fmt.Errorf("queue: rebroadcast decode %q: %w", m.ID, err)
		}
		if q.broadcaster != nil {
			q.broadcaster.Broadcast(bbq.MessageEnvelope{Message: m, QueueID: q.ID, Value: value})
		}
		return nil
	}

	for _, m := range pipeline {
		if err := rebroadcastOne(m); err != nil {
			q.log.Warnw("bbq: rebroadcast failed", "id", m.ID, "err", err)
		}
	}
	for _, m := range fails {
		if err := rebroadcastOne(m); err != nil {
			q.log.Warnw("bbq: rebroadcast failed", "id", m.ID, "err", err)
		}
	}
	return nil
}

// scheduleMetaSnapshot debounces metadata writes by cfg.UpdateMetaTime:
// each call cancels the previously pending writer and reschedules.
func (q *Queue) scheduleMetaSnapshot() {
	q.metaMu.Lock()
	defer q.metaMu.Unlock()
	if q.metaTimer != nil {
		q.metaTimer.Stop()
	}
	q.metaTimer = time.AfterFunc(q.cfg.UpdateMetaTime, q.writeMetaNow)
}

// writeMetaNow writes metaq.json immediately. IO errors here are logged,
// not propagated: the next snapshot overwrites (spec.md §7).
func (q *Queue) writeMetaNow() {
	q.mu.Lock()
	snap := metaSnapshot{
		ID:        q.ID,
		Name:      q.Name,
		Path:      q.Path,
		CreatedAt: time.Now().UnixMilli(),
		Size:      q.cfg.Size,
		Expire:    q.cfg.Expire.Seconds(),
		Limit:     q.cfg.Limit,
		Secret:    q.cfg.SecretKey != "",
		Pipeline:  append([]bbq.Message(nil), q.pipeline...),
		Fails:     append([]bbq.Message(nil), q.fails...),
	}
	q.mu.Unlock()

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		q.log.Errorw("bbq: marshal queue metadata", "err", err)
		return
	}
	if err := fsutil.WriteFileAtomic(fsutil.MetaPath(q.Path), raw, 0o644); err != nil {
		q.log.Errorw("bbq: write queue metadata", "err", err)
	}
}

// Stop cancels all pending timers. A metadata snapshot still waiting on its
// debounce is written immediately instead of being dropped, so metaq.json
// lists every message this Queue holds. Intended for orderly shutdown in
// tests and embedding applications.
func (q *Queue) Stop() {
	q.mu.Lock()
	for _, t := range q.timers {
		t.Stop()
	}
	q.mu.Unlock()

	q.metaMu.Lock()
	pending := q.metaTimer != nil && q.metaTimer.Stop()
	q.metaMu.Unlock()

	if pending {
		q.writeMetaNow()
	}
}

// Snapshot returns copies of the current pipeline and fails lists, for
// inspection by tests and operators.
func (q *Queue) Snapshot() (pipeline, fails []bbq.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]bbq.Message(nil), q.pipeline...), append([]bbq.Message(nil), q.fails...)
}

// RebroadcastTime returns the configured back-pressure rebroadcast delay,
// consulted by Worker.Run when every eligible Job is saturated.
func (q *Queue) RebroadcastTime() time.Duration {
	return q.cfg.RebroadcastTime
}

// Config returns a copy of this Queue's effective configuration, consulted
// by Dispatcher to persist the per-queue options a restart must restore
// (spec.md §6: metabbq.json's queue descriptors carry `options`).
func (q *Queue) Config() Config {
	return q.cfg
}
