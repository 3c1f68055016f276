package raft

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

const (
	defaultInboundQueueSize    = 10000
	defaultOutboundQueueSize   = 10000
	defaultHeartbeatInterval   = 1 * time.Second
	defaultMinElectionTimeout  = 2 * time.Second
	defaultMaxElectionTimeout  = 5 * time.Second
	defaultMaxEntriesPerAppend = 64
)

type Config struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MinElectionTimeout time.Duration `yaml:"min_election_timeout"`
	MaxElectionTimeout time.Duration `yaml:"max_election_timeout"`

	InboundQueueSize    int `yaml:"inbound_queue_size"`
	OutboundQueueSize   int `yaml:"outbound_queue_size"`
	MaxEntriesPerAppend int `yaml:"max_entries_per_append"`

	// when false, followers reject client proposals instead of forwarding them to the leader
	ForwardProposals bool `yaml:"forward_proposals"`

	LogLevel string `yaml:"log_level"`

	Logger         hclog.Logger   `yaml:"-"`
	ContentMarshal ContentMarshal `yaml:"-"`
	// called on the node goroutine when the leader has compacted past this node's log
	OnCatchupRequired func(leader MemberId, prevIndex LogIndex) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   defaultHeartbeatInterval,
		MinElectionTimeout:  defaultMinElectionTimeout,
		MaxElectionTimeout:  defaultMaxElectionTimeout,
		InboundQueueSize:    defaultInboundQueueSize,
		OutboundQueueSize:   defaultOutboundQueueSize,
		MaxEntriesPerAppend: defaultMaxEntriesPerAppend,
		ForwardProposals:    true,
		LogLevel:            "info",
	}
}

// ParseConfig overlays a yaml document on DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.MinElectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: min_election_timeout (%s) must exceed heartbeat_interval (%s)", ErrInvalidConfig, c.MinElectionTimeout, c.HeartbeatInterval)
	}
	if c.MaxElectionTimeout <= c.MinElectionTimeout {
		return fmt.Errorf("%w: max_election_timeout (%s) must exceed min_election_timeout (%s)", ErrInvalidConfig, c.MaxElectionTimeout, c.MinElectionTimeout)
	}
	if c.InboundQueueSize <= 0 || c.OutboundQueueSize <= 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfig)
	}
	if c.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("%w: max_entries_per_append must be positive", ErrInvalidConfig)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

func (c Config) logger() hclog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "raft",
		Level: hclog.LevelFromString(c.LogLevel),
	})
}

func (c Config) contentMarshal() ContentMarshal {
	if c.ContentMarshal != nil {
		return c.ContentMarshal
	}
	return BytesMarshal{}
}
