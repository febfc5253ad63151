package comms

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/procctl/internal/message"
)

// SchemeMemory is the only URL scheme the in-memory broker accepts.
const SchemeMemory = "mem"

// Config holds broker connection and naming settings.
type Config struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	TaskExchange      string        `mapstructure:"task_exchange" yaml:"task_exchange"`
	BroadcastExchange string        `mapstructure:"broadcast_exchange" yaml:"broadcast_exchange"`
	TaskQueue         string        `mapstructure:"task_queue" yaml:"task_queue"`
	TestingMode       bool          `mapstructure:"testing_mode" yaml:"testing_mode"`
	DedupTTL          time.Duration `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
	TaskRateLimit     float64       `mapstructure:"task_rate_limit" yaml:"task_rate_limit"`
	TaskRateBurst     int           `mapstructure:"task_rate_burst" yaml:"task_rate_burst"`
}

// DefaultConfig returns the defaults used when no config file is present.
func DefaultConfig() Config {
	return Config{
		URL:               "mem://localhost",
		TaskExchange:      "procctl.tasks",
		BroadcastExchange: "procctl.broadcasts",
		TaskQueue:         "procctl.task_queue",
		DedupTTL:          5 * time.Minute,
	}
}

// Validate rejects empty names, unsupported URL schemes and negative limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	if u.Scheme != SchemeMemory {
		return fmt.Errorf("broker.url: unsupported scheme %q (only %s:// is supported)", u.Scheme, SchemeMemory)
	}
	if c.TaskExchange == "" {
		return fmt.Errorf("broker.task_exchange must not be empty")
	}
	if c.BroadcastExchange == "" {
		return fmt.Errorf("broker.broadcast_exchange must not be empty")
	}
	if c.TaskQueue == "" {
		return fmt.Errorf("broker.task_queue must not be empty")
	}
	if c.DedupTTL < 0 {
		return fmt.Errorf("broker.dedup_ttl must not be negative")
	}
	if c.TaskRateLimit < 0 {
		return fmt.Errorf("broker.task_rate_limit must not be negative")
	}
	if c.TaskRateLimit > 0 && c.TaskRateBurst <= 0 {
		return fmt.Errorf("broker.task_rate_burst must be positive when task_rate_limit is set")
	}
	return nil
}

// Resolved returns the config with exchange and queue names final. In
// testing mode each name gets a unique suffix so concurrent test
// communicators never share names.
func (c Config) Resolved() Config {
	if !c.TestingMode {
		return c
	}
	suffix := "." + uuid.NewString()
	c.TaskExchange += suffix
	c.BroadcastExchange += suffix
	c.TaskQueue += suffix
	c.TestingMode = false
	return c
}

// QueueName is the task queue bound for pid.
func (c Config) QueueName(pid message.Pid) string {
	return c.TaskQueue + "." + string(pid)
}
