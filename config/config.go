// Package config loads client configuration from YAML files and
// RELAYMSG_* environment variables, with defaults for every knob.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opd-ai/relaymsg/breaker"
	"github.com/opd-ai/relaymsg/conflict"
	"github.com/opd-ai/relaymsg/msgsync"
	"github.com/opd-ai/relaymsg/queue"
	"github.com/opd-ai/relaymsg/relay"
)

// ErrDeviceIDRequired indicates a configuration without a device id.
var ErrDeviceIDRequired = errors.New("device_id is required")

// RelayEndpoint configures one relay server.
type RelayEndpoint struct {
	ID             string `mapstructure:"id"`
	URL            string `mapstructure:"url"`
	Region         string `mapstructure:"region"`
	Priority       int    `mapstructure:"priority"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// QueueSettings tunes the delivery queue.
type QueueSettings struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
}

// BreakerSettings tunes the circuit breakers.
type BreakerSettings struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	CooldownMultiplier float64       `mapstructure:"cooldown_multiplier"`
	MaxCooldown        time.Duration `mapstructure:"max_cooldown"`
}

// RelaySettings tunes relay selection and health probing.
type RelaySettings struct {
	Strategy        string        `mapstructure:"strategy"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	FailoverLatency time.Duration `mapstructure:"failover_latency"`
}

// SyncSettings tunes the sync coordinator.
type SyncSettings struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MaxMissedHeartbeats int           `mapstructure:"max_missed_heartbeats"`
	SyncTimeout         time.Duration `mapstructure:"sync_timeout"`
}

// Config is the full client configuration.
type Config struct {
	DeviceID         string          `mapstructure:"device_id"`
	StoragePath      string          `mapstructure:"storage_path"`
	LogLevel         string          `mapstructure:"log_level"`
	MaxMessageSize   int             `mapstructure:"max_message_size"`
	ConflictStrategy string          `mapstructure:"conflict_strategy"`
	Relays           []RelayEndpoint `mapstructure:"relays"`
	Relay            RelaySettings   `mapstructure:"relay"`
	Queue            QueueSettings   `mapstructure:"queue"`
	Breaker          BreakerSettings `mapstructure:"breaker"`
	Sync             SyncSettings    `mapstructure:"sync"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_message_size", 64*1024)
	v.SetDefault("conflict_strategy", "clock-order")

	v.SetDefault("relay.strategy", "round-robin")
	v.SetDefault("relay.probe_interval", 30*time.Second)
	v.SetDefault("relay.probe_timeout", 5*time.Second)
	v.SetDefault("relay.failover_latency", 2*time.Second)

	v.SetDefault("queue.max_retries", 2)
	v.SetDefault("queue.base_delay", time.Second)
	v.SetDefault("queue.max_delay", time.Minute)
	v.SetDefault("queue.jitter_fraction", 0.3)
	v.SetDefault("queue.ack_timeout", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("breaker.cooldown_multiplier", 2.0)
	v.SetDefault("breaker.max_cooldown", 10*time.Minute)

	v.SetDefault("sync.heartbeat_interval", 30*time.Second)
	v.SetDefault("sync.max_missed_heartbeats", 3)
	v.SetDefault("sync.sync_timeout", 30*time.Second)
}

// Load reads configuration from path, falling back to a relaymsg.yaml
// in the working directory when path is empty. RELAYMSG_* environment
// variables override file values (RELAYMSG_QUEUE_MAX_RETRIES overrides
// queue.max_retries). A missing file is not an error; defaults and the
// environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAYMSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else {
		v.SetConfigName("relaymsg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if _, err := conflict.ParseStrategy(c.ConflictStrategy); err != nil {
		return fmt.Errorf("conflict_strategy %q: %w", c.ConflictStrategy, err)
	}
	if _, err := parseRelayStrategy(c.Relay.Strategy); err != nil {
		return err
	}
	for i, ep := range c.Relays {
		if ep.ID == "" || ep.URL == "" {
			return fmt.Errorf("relays[%d]: id and url are required", i)
		}
	}
	return nil
}

func parseRelayStrategy(name string) (relay.Strategy, error) {
	switch name {
	case "", "round-robin":
		return relay.RoundRobin, nil
	case "weighted":
		return relay.Weighted, nil
	case "least-latency":
		return relay.LeastLatency, nil
	default:
		return relay.RoundRobin, fmt.Errorf("unknown relay strategy %q", name)
	}
}

// QueueConfig converts the queue settings.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxRetries:     c.Queue.MaxRetries,
		BaseDelay:      c.Queue.BaseDelay,
		MaxDelay:       c.Queue.MaxDelay,
		JitterFraction: c.Queue.JitterFraction,
		AckTimeout:     c.Queue.AckTimeout,
	}
}

// BreakerConfig converts the breaker settings.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:   c.Breaker.FailureThreshold,
		Cooldown:           c.Breaker.Cooldown,
		CooldownMultiplier: c.Breaker.CooldownMultiplier,
		MaxCooldown:        c.Breaker.MaxCooldown,
	}
}

// RelayConfig converts the relay settings. The strategy string was
// validated by Validate.
func (c *Config) RelayConfig() relay.Config {
	strategy, _ := parseRelayStrategy(c.Relay.Strategy)
	return relay.Config{
		Strategy:        strategy,
		ProbeInterval:   c.Relay.ProbeInterval,
		ProbeTimeout:    c.Relay.ProbeTimeout,
		FailoverLatency: c.Relay.FailoverLatency,
	}
}

// SyncConfig converts the sync settings.
func (c *Config) SyncConfig() msgsync.Config {
	return msgsync.Config{
		HeartbeatInterval:   c.Sync.HeartbeatInterval,
		MaxMissedHeartbeats: c.Sync.MaxMissedHeartbeats,
		SyncTimeout:         c.Sync.SyncTimeout,
	}
}

// ResolverStrategy converts the conflict strategy string, validated by
// Validate.
func (c *Config) ResolverStrategy() conflict.Strategy {
	strategy, _ := conflict.ParseStrategy(c.ConflictStrategy)
	return strategy
}

// Endpoints converts the relay list.
func (c *Config) Endpoints() []relay.Endpoint {
	out := make([]relay.Endpoint, 0, len(c.Relays))
	for _, ep := range c.Relays {
		out = append(out, relay.Endpoint{
			ID:             ep.ID,
			URL:            ep.URL,
			Region:         ep.Region,
			Priority:       ep.Priority,
			MaxConnections: ep.MaxConnections,
		})
	}
	return out
}
