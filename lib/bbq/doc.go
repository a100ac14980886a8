// Package bbq is an embedded, file-backed job queue for a single host
// process.
//
// Producers enqueue messages into named queues (package queue). Named
// workers (package worker) register named jobs that consume messages from a
// chosen queue and run a user callback, with retries, timeouts, and bounded
// concurrency; a scheduled-job variant fires on cron-like time triggers
// instead of consuming a queue. A dispatcher (package dispatcher) ties
// queues and workers together and routes messages between them. All queue
// state is persisted under a root directory so it survives a process
// restart, and message payloads may optionally be encrypted at rest.
//
// This package holds the types shared across the queue/worker/dispatcher
// split: Message, MessageEnvelope, and the value Type enum.
package bbq
