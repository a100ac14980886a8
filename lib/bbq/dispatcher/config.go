package dispatcher

import (
	"fmt"
	"path/filepath"

	"github.com/knfs-library/bbq/lib/bbq/logger"
	"github.com/knfs-library/bbq/lib/bbq/queue"
)

// Config holds a Dispatcher's tunables. Defaults mirror spec.md §6: Path
// defaults to "./bbq", Log is off, and no default queue options are applied
// beyond queue.Config's own defaults.
type Config struct {
	Path         string
	Log          bool
	QueueOptions []queue.Option
	Logger       logger.StandardLogger
}

// Option configures a Dispatcher at construction time.
type Option func(*Config) error

func defaultConfig() Config {
	return Config{
		Path:   filepath.Join(".", "bbq"),
		Log:    false,
		Logger: &logger.DiscardLogger{},
	}
}

// WithPath sets the root directory under which every queue's
// <md5(name)> subdirectory and the dispatcher's own metabbq.json live.
func WithPath(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return fmt.Errorf("dispatcher: path must not be empty")
		}
		c.Path = path
		return nil
	}
}

// WithLog toggles the dispatcher-level log flag persisted in metabbq.json.
func WithLog(enabled bool) Option {
	return func(c *Config) error {
		c.Log = enabled
		return nil
	}
}

// WithDefaultQueueOptions applies opts to every queue this Dispatcher
// creates, unless CreateQueue's own opts override them.
func WithDefaultQueueOptions(opts ...queue.Option) Option {
	return func(c *Config) error {
		c.QueueOptions = append(c.QueueOptions, opts...)
		return nil
	}
}

// WithLogger overrides the discard-logger default.
func WithLogger(l logger.StandardLogger) Option {
	return func(c *Config) error {
		if l != nil {
			c.Logger = l
		}
		return nil
	}
}
