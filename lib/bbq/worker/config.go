package worker

import (
	"time"

	"github.com/knfs-library/bbq/lib/bbq/logger"
)

// JobOptions holds a Job's tunables. Defaults mirror spec.md §6: Retry 0,
// Timeout 60s, RetryAfter 30s, MaxListeners 100, Concurrency 20,
// WorkingMessageCount 100.
type JobOptions struct {
	Log                 bool
	Retry               int
	Timeout             time.Duration
	RetryAfter          time.Duration
	MaxListeners        int
	Concurrency         int
	WorkingMessageCount int
	Logger              logger.StandardLogger
}

// JobOption configures a Job at registration time.
type JobOption func(*JobOptions) error

func defaultJobOptions() JobOptions {
	return JobOptions{
		Retry:               0,
		Timeout:             60 * time.Second,
		RetryAfter:          30 * time.Second,
		MaxListeners:        100,
		Concurrency:         20,
		WorkingMessageCount: 100,
		Logger:              &logger.DiscardLogger{},
	}
}

// WithRetry sets the number of additional attempts after the first
// (retry+1 total attempts).
func WithRetry(n int) JobOption {
	return func(o *JobOptions) error { o.Retry = n; return nil }
}

// WithTimeout sets the per-attempt callback timeout.
func WithTimeout(d time.Duration) JobOption {
	return func(o *JobOptions) error { o.Timeout = d; return nil }
}

// WithRetryAfter sets the delay before a retry attempt.
func WithRetryAfter(d time.Duration) JobOption {
	return func(o *JobOptions) error { o.RetryAfter = d; return nil }
}

// WithMaxListeners sets JobOptions.MaxListeners. The value is stored only:
// neither Job nor the runtime package reads it, so it limits nothing.
func WithMaxListeners(n int) JobOption {
	return func(o *JobOptions) error { o.MaxListeners = n; return nil }
}

// WithConcurrency caps the number of live Job instances.
func WithConcurrency(n int) JobOption {
	return func(o *JobOptions) error { o.Concurrency = n; return nil }
}

// WithWorkingMessageCount caps the number of accepted-but-not-yet-started
// messages queued for a Job.
func WithWorkingMessageCount(n int) JobOption {
	return func(o *JobOptions) error { o.WorkingMessageCount = n; return nil }
}

// WithJobLogger overrides the discard-logger default for a Job.
func WithJobLogger(l logger.StandardLogger) JobOption {
	return func(o *JobOptions) error {
		if l != nil {
			o.Logger = l
		}
		return nil
	}
}

// ScheduleJobOptions holds a ScheduleJob's tunables: JobOptions plus the
// IANA timezone the cron pattern is evaluated in (spec.md §4.3).
type ScheduleJobOptions struct {
	JobOptions
	Timezone string
}

// ScheduleJobOption configures a ScheduleJob at registration time.
type ScheduleJobOption func(*ScheduleJobOptions) error

func defaultScheduleJobOptions() ScheduleJobOptions {
	return ScheduleJobOptions{
		JobOptions: defaultJobOptions(),
		Timezone:   "UTC",
	}
}

// FromJobOption adapts a JobOption so it can be passed wherever a
// ScheduleJobOption is expected, letting ScheduleJob registration reuse
// every With* constructor above instead of duplicating each one.
func FromJobOption(opt JobOption) ScheduleJobOption {
	return func(o *ScheduleJobOptions) error { return opt(&o.JobOptions) }
}

// WithTimezone sets the IANA timezone name the cron pattern is evaluated
// against.
func WithTimezone(tz string) ScheduleJobOption {
	return func(o *ScheduleJobOptions) error {
		if tz != "" {
			o.Timezone = tz
		}
		return nil
	}
}

// Config holds a Worker's tunables. Defaults mirror spec.md §6: Priority 1,
// IntervalRunJob 2s (the legacy interval-poll variant of dispatch, kept for
// API parity but unused by the event-driven Run path).
// TickInterval is this module's own addition: the cadence ScheduleJobs are
// evaluated at, defaulting to the spec's one-minute tick but overridable so
// tests don't have to wait a full minute.
type Config struct {
	Log            bool
	Priority       int
	IntervalRunJob time.Duration
	TickInterval   time.Duration
	Logger         logger.StandardLogger
}

// Option configures a Worker at construction time.
type Option func(*Config) error

func defaultConfig() Config {
	return Config{
		Priority:       1,
		IntervalRunJob: 2 * time.Second,
		TickInterval:   time.Minute,
		Logger:         &logger.DiscardLogger{},
	}
}

// WithPriority sets this Worker's routing priority; higher values are
// considered first by Dispatcher.Listen.
func WithPriority(n int) Option {
	return func(c *Config) error { c.Priority = n; return nil }
}

// WithIntervalRunJob sets the legacy interval-poll cadence.
func WithIntervalRunJob(d time.Duration) Option {
	return func(c *Config) error { c.IntervalRunJob = d; return nil }
}

// WithTickInterval overrides the cadence ScheduleJobs are evaluated at.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) error { c.TickInterval = d; return nil }
}

// WithLogger overrides the discard-logger default for a Worker.
func WithLogger(l logger.StandardLogger) Option {
	return func(c *Config) error {
		if l != nil {
			c.Logger = l
		}
		return nil
	}
}
