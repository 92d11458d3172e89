package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	events "github.com/goliatone/go-events"
	"gopkg.in/yaml.v3"
)

// PublisherKind selects the publisher backing a channel.
type PublisherKind string

const (
	PublisherDirect        PublisherKind = "direct"
	PublisherTransactional PublisherKind = "transactional"
	PublisherOutbox        PublisherKind = "outbox"
)

// TransactionManager kinds. Empty means "pick the single one provided".
const (
	TransactionManagerAuto  = ""
	TransactionManagerLocal = "local"
	TransactionManagerSQL   = "sql"
	TransactionManagerPgx   = "pgx"
)

const DefaultChannelName = "default"

// Config is the dispatch engine configuration.
type Config struct {
	PollingDelay       time.Duration            `yaml:"polling_delay" json:"polling_delay"`
	PollingPeriod      time.Duration            `yaml:"polling_period" json:"polling_period"`
	BatchSize          int                      `yaml:"batch_size" json:"batch_size"`
	Async              bool                     `yaml:"async" json:"async"`
	Workers            int                      `yaml:"workers" json:"workers"`
	OrderedByEventType bool                     `yaml:"ordered_by_event_type" json:"ordered_by_event_type"`
	AfterCommit        bool                     `yaml:"after_commit" json:"after_commit"`
	TransactionManager string                   `yaml:"transaction_manager" json:"transaction_manager"`
	HandlerTimeout     time.Duration            `yaml:"handler_timeout" json:"handler_timeout"`
	TaskMaxRetries     int                      `yaml:"task_max_retries" json:"task_max_retries"`
	OutboxTable        string                   `yaml:"outbox_table" json:"outbox_table"`
	StatsPeriod        time.Duration            `yaml:"stats_period" json:"stats_period"`
	DefaultChannel     string                   `yaml:"default_channel" json:"default_channel"`
	Channels           map[string]ChannelConfig `yaml:"channels" json:"channels"`
}

// ChannelConfig describes one channel. Unset AfterCommit and Async inherit
// the top level values.
type ChannelConfig struct {
	Publisher   PublisherKind `yaml:"publisher" json:"publisher"`
	AfterCommit *bool         `yaml:"after_commit,omitempty" json:"after_commit,omitempty"`
	Async       *bool         `yaml:"async,omitempty" json:"async,omitempty"`
	// Routes lists event type patterns sent to this channel.
	Routes []string `yaml:"routes,omitempty" json:"routes,omitempty"`
}

// Defaults returns the configuration used for omitted keys.
func Defaults() Config {
	return Config{
		PollingDelay:   5 * time.Second,
		PollingPeriod:  time.Second,
		BatchSize:      100,
		Workers:        4,
		AfterCommit:    true,
		TaskMaxRetries: 3,
		OutboxTable:    "event_outbox",
		StatsPeriod:    30 * time.Second,
		DefaultChannel: DefaultChannelName,
		Channels: map[string]ChannelConfig{
			DefaultChannelName: {Publisher: PublisherTransactional},
		},
	}
}

// Parse decodes YAML (or JSON) over Defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	// yaml.v3 merges into existing maps, the default channel must not leak
	// into configured ones.
	cfg.Channels = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, events.NewError(events.ErrInvalidConfig, "decode configuration", err, nil)
	}
	cfg = cfg.Normalize()
	return cfg, cfg.Validate()
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("read configuration %s", path), err, map[string]any{"path": path})
	}
	return Parse(data)
}

// Normalize returns a copy of c where an empty channel set is replaced by a
// single transactional channel named after DefaultChannel.
func (c Config) Normalize() Config {
	if len(c.Channels) > 0 {
		return c
	}
	if strings.TrimSpace(c.DefaultChannel) == "" {
		c.DefaultChannel = DefaultChannelName
	}
	c.Channels = map[string]ChannelConfig{
		c.DefaultChannel: {Publisher: PublisherTransactional},
	}
	return c
}

// Validate reports every problem found in the configuration.
func (c Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = errors.Join(errs, events.NewError(events.ErrInvalidConfig, fmt.Sprintf(format, args...), nil, nil))
	}

	if c.PollingDelay < 0 {
		invalid("polling_delay must not be negative")
	}
	if c.PollingPeriod <= 0 {
		invalid("polling_period must be positive")
	}
	if c.BatchSize <= 0 {
		invalid("batch_size must be positive")
	}
	if c.Workers <= 0 {
		invalid("workers must be positive")
	}
	if c.HandlerTimeout < 0 {
		invalid("handler_timeout must not be negative")
	}
	if c.TaskMaxRetries < 0 {
		invalid("task_max_retries must not be negative")
	}
	if c.StatsPeriod < 0 {
		invalid("stats_period must not be negative")
	}

	switch c.TransactionManager {
	case TransactionManagerAuto, TransactionManagerLocal, TransactionManagerSQL, TransactionManagerPgx:
	default:
		invalid("unknown transaction_manager %q", c.TransactionManager)
	}

	if strings.TrimSpace(c.DefaultChannel) == "" {
		invalid("default_channel is required")
	} else if _, ok := c.Channels[c.DefaultChannel]; !ok {
		errs = errors.Join(errs, events.NewError(events.ErrUnknownChannel,
			fmt.Sprintf("default_channel %q is not configured", c.DefaultChannel), nil,
			map[string]any{"channel": c.DefaultChannel}))
	}

	for _, name := range c.ChannelNames() {
		ch := c.Channels[name]
		switch ch.Publisher {
		case PublisherDirect, PublisherTransactional, PublisherOutbox:
		default:
			invalid("channel %q: unknown publisher %q", name, ch.Publisher)
		}
		for _, route := range ch.Routes {
			if strings.TrimSpace(route) == "" {
				invalid("channel %q: empty route", name)
			}
		}
	}
	return errs
}

// ChannelNames returns the configured channel names sorted.
func (c Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UsesOutbox reports whether any channel publishes through the outbox.
func (c Config) UsesOutbox() bool {
	for _, ch := range c.Channels {
		if ch.Publisher == PublisherOutbox {
			return true
		}
	}
	return false
}

// AfterCommitFor resolves the after_commit flag of a channel.
func (c Config) AfterCommitFor(ch ChannelConfig) bool {
	if ch.AfterCommit != nil {
		return *ch.AfterCommit
	}
	return c.AfterCommit
}

// AsyncFor resolves the async flag of a channel.
func (c Config) AsyncFor(ch ChannelConfig) bool {
	if ch.Async != nil {
		return *ch.Async
	}
	return c.Async
}
