package worker

import (
	"time"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/queue"
)

// QueueResolver is the narrow interface a Worker uses to resolve queues by
// name and to ask for a saturated message to be retried later, instead of
// importing the dispatcher package outright (see spec.md §9 "cyclic
// references"). Dispatcher implements this and wires itself in at
// CreateWorker time.
type QueueResolver interface {
	Queue(name string) (*queue.Queue, bool)
	Rebroadcast(envelope bbq.MessageEnvelope, after time.Duration)
}
