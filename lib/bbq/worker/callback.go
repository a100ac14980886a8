package worker

import (
	"context"
	"path/filepath"

	"github.com/knfs-library/bbq/lib/bbq"
)

// CallbackFunc is an in-process callback: it receives the structured
// handle for one attempt and reports success or failure.
type CallbackFunc func(ctx context.Context, handle Handle) error

// recognizedExternalExt is the set of file extensions treated as a valid
// out-of-process callback module (spec.md §9: "a filesystem path ending in
// a recognized script extension").
var recognizedExternalExt = map[string]bool{
	".js":  true,
	".mjs": true,
	".cjs": true,
	".py":  true,
	".sh":  true,
}

// Callback is the tagged variant `InProcess(fn) | External(path)` from
// spec.md §9: a Job's callback is either a function value in this address
// space, or a filesystem path executed in an isolated runtime.
type Callback struct {
	fn   CallbackFunc
	path string
}

// InProcess wraps fn as an in-process Callback.
func InProcess(fn CallbackFunc) Callback {
	return Callback{fn: fn}
}

// External wraps path as an out-of-process Callback.
func External(path string) Callback {
	return Callback{path: path}
}

// IsExternal reports whether this Callback runs in an isolated runtime.
func (c Callback) IsExternal() bool {
	return c.path != ""
}

// Validate rejects anything that is neither a function value nor a path
// with a recognized extension (spec.md §7: CallbackInvalid).
func (c Callback) Validate() error {
	switch {
	case c.fn != nil && c.path != "":
		return bbq.ErrCallbackInvalid
	case c.fn != nil:
		return nil
	case c.path != "" && recognizedExternalExt[filepath.Ext(c.path)]:
		return nil
	default:
		return bbq.ErrCallbackInvalid
	}
}

// Handle is the structured handle passed to every callback invocation:
// job/worker/queue identity, the message envelope (cloned so retries never
// observe a callback's prior mutation), and the attempt count (spec.md
// §4.2). The Job's options are not part of the handle.
type Handle struct {
	JobID      string          `json:"jobId"`
	JobName    string          `json:"jobName"`
	WorkerName string          `json:"workerName"`
	QueueName  string          `json:"queueName"`
	HandleAt   int64           `json:"handleAt"`
	Tried      int             `json:"tried"`
	Envelope   bbq.MessageEnvelope `json:"envelope"`
}
