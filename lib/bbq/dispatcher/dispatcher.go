// Package dispatcher ties Queues and Workers together: the top-level
// registry that routes a Queue's broadcasts to the first eligible Worker in
// priority order, and persists/restores which queues exist across restarts
// (spec.md §4.5).
package dispatcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/bbqcrypto"
	"github.com/knfs-library/bbq/lib/bbq/internal/fsutil"
	"github.com/knfs-library/bbq/lib/bbq/logger"
	"github.com/knfs-library/bbq/lib/bbq/queue"
	"github.com/knfs-library/bbq/lib/bbq/worker"
)

var log = logging.Logger("bbq/dispatcher")

// Dispatcher is the top-level registry of Queues and Workers. It implements
// queue.Broadcaster (every Queue it creates reports broadcasts back to
// Dispatcher.Listen) and worker.QueueResolver (every Worker it creates
// resolves queues and schedules rebroadcasts through it), breaking the
// Queue↔Dispatcher and Worker↔Dispatcher cycles with narrow interfaces
// instead of mutual package imports (spec.md §9).
type Dispatcher struct {
	cfg Config
	log logger.StandardLogger

	mu          sync.Mutex
	queuesByID  map[string]*queue.Queue
	queueByName map[string]*queue.Queue
	workers     []*worker.Worker // sorted by descending Priority(), ties by insertion order

	backoffMu sync.Mutex
	backoffs  map[string]*backoff.ExponentialBackOff // keyed by message id
}

var (
	_ queue.Broadcaster    = (*Dispatcher)(nil)
	_ worker.QueueResolver = (*Dispatcher)(nil)
)

// New constructs a Dispatcher. Call Setup to create the root directory and
// restore any queues persisted from a prior run.
func New(opts ...Option) (*Dispatcher, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("dispatcher: apply option: %w", err)
		}
	}
	return &Dispatcher{
		cfg:         cfg,
		log:         cfg.Logger,
		queuesByID:  make(map[string]*queue.Queue),
		queueByName: make(map[string]*queue.Queue),
		backoffs:    make(map[string]*backoff.ExponentialBackOff),
	}, nil
}

// dispatcherMeta is the on-disk shape of <root>/metabbq.json, exactly as
// spec.md §6 describes it.
type dispatcherMeta struct {
	Queues    []queueDescriptor `json:"queues"`
	CreatedAt int64             `json:"createdAt"`
	Path      string            `json:"path"`
	Secret    bool              `json:"secret"`
	Log       bool              `json:"log"`
}

type queueDescriptor struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Path    string                 `json:"path"`
	Options queueOptionsDescriptor `json:"options"`
}

// queueOptionsDescriptor is the persisted form of a queue.Config: the
// per-queue options a CreateQueue caller passed (size/expire/limit/
// secretKey/cryptoMode/dedupe), captured so applyQueue can reconstruct an
// equivalent queue.Option slice on restart instead of silently falling back
// to the dispatcher's defaults. Without this, a queue created with its own
// secretKey would come back after a restart decrypting with the wrong key
// (spec.md §6: each queue descriptor in metabbq.json carries "options").
type queueOptionsDescriptor struct {
	Size              int    `json:"size"`
	ExpireMS          int64  `json:"expireMs"`
	Limit             int    `json:"limit"`
	UpdateMetaTimeMS  int64  `json:"updateMetaTimeMs"`
	RebroadcastTimeMS int64  `json:"rebroadcastTimeMs"`
	SecretKey         string `json:"secretKey,omitempty"`
	CryptoMode        string `json:"cryptoMode,omitempty"`
	Dedupe            bool   `json:"dedupe"`
}

func newQueueOptionsDescriptor(cfg queue.Config) queueOptionsDescriptor {
	return queueOptionsDescriptor{
		Size:              cfg.Size,
		ExpireMS:          cfg.Expire.Milliseconds(),
		Limit:             cfg.Limit,
		UpdateMetaTimeMS:  cfg.UpdateMetaTime.Milliseconds(),
		RebroadcastTimeMS: cfg.RebroadcastTime.Milliseconds(),
		SecretKey:         cfg.SecretKey,
		CryptoMode:        string(cfg.CryptoMode),
		Dedupe:            cfg.Dedupe,
	}
}

// options converts a persisted descriptor back into the queue.Option slice
// CreateQueue needs to reproduce the original queue's effective Config.
func (d queueOptionsDescriptor) options() []queue.Option {
	opts := []queue.Option{
		queue.WithSize(d.Size),
		queue.WithExpire(time.Duration(d.ExpireMS) * time.Millisecond),
		queue.WithLimit(d.Limit),
		queue.WithUpdateMetaTime(time.Duration(d.UpdateMetaTimeMS) * time.Millisecond),
		queue.WithRebroadcastTime(time.Duration(d.RebroadcastTimeMS) * time.Millisecond),
		queue.WithDedupe(d.Dedupe),
	}
	if d.SecretKey != "" {
		opts = append(opts, queue.WithSecretKey(d.SecretKey))
	}
	if d.CryptoMode != "" {
		opts = append(opts, queue.WithCryptoMode(bbqcrypto.Mode(d.CryptoMode)))
	}
	return opts
}

func metaPath(root string) string {
	return filepath.Join(root, "metabbq.json")
}

// Setup ensures the root directory exists and, if a dispatcher metadata file
// is already present, recreates and restores every queue it names (each
// queue's own Setup call restores its pipeline/fails from its own
// metaq.json), then writes a fresh metadata snapshot (spec.md §4.5).
func (d *Dispatcher) Setup() error {
	if err := fsutil.EnsureDir(d.cfg.Path); err != nil {
		return err
	}

	path := metaPath(d.cfg.Path)
	if fsutil.Exists(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("dispatcher: read meta %q: %w", path, err)
		}
		var meta dispatcherMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("dispatcher: decode meta %q: %w", path, err)
		}
		for _, desc := range meta.Queues {
			if err := d.applyQueue(desc); err != nil {
				d.log.Warnw("bbq: restore queue failed", "name", desc.Name, "err", err)
			}
		}
	}

	return d.writeMetaNow()
}

// applyQueue recreates a queue named in a prior dispatcher snapshot, passing
// back the options it was originally created with so its on-disk messages
// stay readable (in particular, an encrypted queue's secretKey/cryptoMode
// must match what originally wrote its files). The queue's own metaq.json
// (found deterministically from its name) carries its real id and message
// state; Setup restores that.
func (d *Dispatcher) applyQueue(desc queueDescriptor) error {
	_, err := d.CreateQueue(desc.Name, desc.Options.options()...)
	return err
}

// CreateQueue is idempotent by name: if a queue named name already exists it
// is returned unchanged. Otherwise a new Queue is constructed rooted at
// <Path>/<md5(name)>, its Setup is run, and the dispatcher snapshot is
// rewritten (spec.md §4.5).
func (d *Dispatcher) CreateQueue(name string, opts ...queue.Option) (*queue.Queue, error) {
	d.mu.Lock()
	if existing, ok := d.queueByName[name]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	d.mu.Unlock()

	merged := append(append([]queue.Option(nil), d.cfg.QueueOptions...), opts...)
	q, err := queue.New(name, d.cfg.Path, d, merged...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create queue %q: %w", name, err)
	}
	if err := q.Setup(); err != nil {
		return nil, fmt.Errorf("dispatcher: setup queue %q: %w", name, err)
	}

	d.mu.Lock()
	d.queuesByID[q.ID] = q
	d.queueByName[name] = q
	d.mu.Unlock()

	// q.Setup's own rebroadcast ran before q was registered, so Listen could
	// not route it; replay the restored messages now that it can.
	if err := q.ReBroadcast(true); err != nil {
		d.log.Warnw("bbq: rebroadcast restored queue", "name", name, "err", err)
	}

	if err := d.writeMetaNow(); err != nil {
		d.log.Warnw("bbq: write dispatcher metadata", "err", err)
	}
	return q, nil
}

// GetQueue looks up a queue by name, failing with bbq.ErrQueueNotFound.
func (d *Dispatcher) GetQueue(name string) (*queue.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queueByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", bbq.ErrQueueNotFound, name)
	}
	return q, nil
}

// GetQueueById looks up a queue by id, failing with bbq.ErrQueueNotFound.
func (d *Dispatcher) GetQueueById(id string) (*queue.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queuesByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %q", bbq.ErrQueueNotFound, id)
	}
	return q, nil
}

// DeleteQueue stops the queue's timers, removes its on-disk directory,
// unregisters it, and snapshots dispatcher metadata.
func (d *Dispatcher) DeleteQueue(name string) error {
	d.mu.Lock()
	q, ok := d.queueByName[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", bbq.ErrQueueNotFound, name)
	}
	delete(d.queueByName, name)
	delete(d.queuesByID, q.ID)
	d.mu.Unlock()

	q.Stop()
	if err := os.RemoveAll(q.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dispatcher: remove queue directory %q: %w", q.Path, err)
	}

	return d.writeMetaNow()
}

// Shutdown stops every registered Worker's ScheduleJob tick loop and every
// Queue's pending timers; each Queue writes out a metadata snapshot that was
// still waiting on its debounce. Durable state is sufficient
// to resume through Setup/ReBroadcast on the next process start (spec.md
// §5: "Process shutdown cancels all timers").
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	workers := append([]*worker.Worker(nil), d.workers...)
	queues := make([]*queue.Queue, 0, len(d.queuesByID))
	for _, q := range d.queuesByID {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	for _, q := range queues {
		q.Stop()
	}
}

// CreateWorker registers a Worker, rejecting a duplicate name across
// workers, and inserts it maintaining descending priority order with ties
// broken by insertion order (spec.md §4.5).
func (d *Dispatcher) CreateWorker(name string, opts ...worker.Option) (*worker.Worker, error) {
	d.mu.Lock()
	for _, w := range d.workers {
		if w.Name == name {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: worker %q", bbq.ErrNameDuplicate, name)
		}
	}
	d.mu.Unlock()

	w, err := worker.New(name, d, opts...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create worker %q: %w", name, err)
	}

	d.mu.Lock()
	d.workers = append(d.workers, w)
	sort.SliceStable(d.workers, func(i, j int) bool {
		return d.workers[i].Priority() > d.workers[j].Priority()
	})
	d.mu.Unlock()

	return w, nil
}

// Queue implements worker.QueueResolver: it looks a queue up by name for a
// Worker's CreateJob call.
func (d *Dispatcher) Queue(name string) (*queue.Queue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queueByName[name]
	return q, ok
}

// Broadcast implements queue.Broadcaster: every Queue created by this
// Dispatcher reports new/rebroadcast envelopes here, which routes them to
// the first eligible Worker in priority order (spec.md §4.5 Listen).
func (d *Dispatcher) Broadcast(envelope bbq.MessageEnvelope) {
	d.Listen(envelope)
}

// Listen iterates Workers in priority order; the first Worker whose
// ExistObserverQueue is true for this envelope's queue receives it via
// Run, and the loop stops. If no Worker matches, a rebroadcast is scheduled
// with exponential back-off (spec.md §4.5, §9 open question on rebroadcast
// amplification).
func (d *Dispatcher) Listen(envelope bbq.MessageEnvelope) {
	d.mu.Lock()
	q, ok := d.queuesByID[envelope.QueueID]
	workers := append([]*worker.Worker(nil), d.workers...)
	d.mu.Unlock()

	if !ok {
		d.log.Warnw("bbq: broadcast for unknown queue", "queueId", envelope.QueueID)
		return
	}

	for _, w := range workers {
		if w.ExistObserverQueue(envelope.QueueID) {
			d.clearBackoff(envelope.ID)
			w.Run(q, envelope)
			return
		}
	}

	d.Rebroadcast(envelope, q.RebroadcastTime())
}

// Rebroadcast implements worker.QueueResolver: it is invoked both by a
// saturated Worker (spec.md §4.4 back-pressure) and by Listen when no
// Worker currently observes the queue. Repeated rebroadcasts of the same
// message id grow the delay exponentially, capped at 8x the base interval,
// instead of hammering the queue at a fixed cadence forever (DESIGN.md open
// question 2).
func (d *Dispatcher) Rebroadcast(envelope bbq.MessageEnvelope, after time.Duration) {
	delay := d.nextBackoff(envelope.ID, after)
	time.AfterFunc(delay, func() {
		d.Listen(envelope)
	})
}

func (d *Dispatcher) nextBackoff(messageID string, base time.Duration) time.Duration {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()

	bo, ok := d.backoffs[messageID]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = base
		bo.MaxInterval = base * 8
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		bo.MaxElapsedTime = 0 // never give up; Listen clears the entry once a Worker takes the envelope
		bo.Reset()
		d.backoffs[messageID] = bo
	}

	next := bo.NextBackOff()
	if next == backoff.Stop {
		next = bo.MaxInterval
	}
	return next
}

func (d *Dispatcher) clearBackoff(messageID string) {
	d.backoffMu.Lock()
	delete(d.backoffs, messageID)
	d.backoffMu.Unlock()
}

// writeMetaNow writes metabbq.json immediately, matching queue.Queue's
// write-now (non-debounced) choice for dispatcher-level metadata, since
// CreateQueue/DeleteQueue are already infrequent, deliberate operations
// rather than a per-message hot path.
func (d *Dispatcher) writeMetaNow() error {
	d.mu.Lock()
	descs := make([]queueDescriptor, 0, len(d.queueByName))
	for name, q := range d.queueByName {
		descs = append(descs, queueDescriptor{
			ID:      q.ID,
			Name:    name,
			Path:    q.Path,
			Options: newQueueOptionsDescriptor(q.Config()),
		})
	}
	d.mu.Unlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	meta := dispatcherMeta{
		Queues:    descs,
		CreatedAt: time.Now().UnixMilli(),
		Path:      d.cfg.Path,
		Secret:    false,
		Log:       d.cfg.Log,
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("dispatcher: marshal metadata: %w", err)
	}
	return fsutil.WriteFileAtomic(metaPath(d.cfg.Path), raw, 0o644)
}
