package queue

import "github.com/knfs-library/bbq/lib/bbq"

// Broadcaster is the narrow interface a Queue uses to signal new or
// re-broadcast envelopes upward, instead of importing the dispatcher
// package outright (see spec.md §9 "cyclic references"). Dispatcher
// implements this and wires itself in at CreateQueue time.
type Broadcaster interface {
	Broadcast(envelope bbq.MessageEnvelope)
}
