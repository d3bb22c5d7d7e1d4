package config

import (
	"strconv"
	"time"
)

// Config holds the settings shared by the pipeline services. Each binary reads
// the groups it needs and ignores the rest.
type Config struct {
	Service    string        `mapstructure:"-"`
	Port       int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	Debug      bool          `mapstructure:"debug"`
	LogFormat  string        `mapstructure:"log_format" validate:"oneof=text json"`
	InstanceID string        `mapstructure:"instance_id" validate:"required"`
	Queue      QueueConfig   `mapstructure:"queue"`
	Stream     StreamConfig  `mapstructure:"stream"`
	Auth       AuthConfig    `mapstructure:"auth"`
	Redis      RedisConfig   `mapstructure:"redis"`
	Publish    PublishConfig `mapstructure:"publish"`
	Push       PushConfig    `mapstructure:"push"`
}

// QueueConfig describes the durable work queue.
type QueueConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	Name           string        `mapstructure:"name" validate:"required"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	Prefetch       int           `mapstructure:"prefetch" validate:"gte=0"`
}

// StreamConfig describes the append-only event stream.
type StreamConfig struct {
	Brokers       []string      `mapstructure:"brokers" validate:"min=1,dive,hostname_port"`
	Topic         string        `mapstructure:"topic" validate:"required"`
	GroupID       string        `mapstructure:"group_id" validate:"required"`
	CommitOffsets bool          `mapstructure:"commit_offsets"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	Partitions    int           `mapstructure:"partitions" validate:"gt=0"`
}

// AuthConfig selects how push clients are authenticated. A shared secret is
// always accepted; a JWKS URL switches verification to RS256 keys.
type AuthConfig struct {
	Secret   string `mapstructure:"secret" validate:"required_without=JWKSURL"`
	JWKSURL  string `mapstructure:"jwks_url" validate:"omitempty,url"`
	Audience string `mapstructure:"audience"`
	Issuer   string `mapstructure:"issuer"`
}

// RedisConfig is optional. An empty URL disables the cross-instance relay
// and the tally mirror.
type RedisConfig struct {
	URL       string        `mapstructure:"url" validate:"omitempty,url"`
	Channel   string        `mapstructure:"channel" validate:"required"`
	MirrorTTL time.Duration `mapstructure:"mirror_ttl" validate:"gt=0"`
}

type PublishConfig struct {
	Workers        int           `mapstructure:"workers" validate:"gt=0"`
	Buffer         int           `mapstructure:"buffer" validate:"gt=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	HandoffTimeout time.Duration `mapstructure:"handoff_timeout" validate:"gte=0"`
}

type PushConfig struct {
	AuthTimeout    time.Duration `mapstructure:"auth_timeout" validate:"gt=0"`
	SendBuffer     int           `mapstructure:"send_buffer" validate:"gt=0"`
	HandshakeRate  float64       `mapstructure:"handshake_rate" validate:"gt=0"`
	HandshakeBurst int           `mapstructure:"handshake_burst" validate:"gt=0"`
}

// Enabled reports whether a Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
