package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds derived runtime values that other packages may
// query after startup (populated by main once env+file are merged).
type RuntimeConfig struct {
	JWTSecret string
	AdminKeys map[string]struct{}
}

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// ServerConfig holds http and tls settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig holds token and perimeter settings.
type SecurityConfig struct {
	// JWTSecret signs and verifies connection tokens. Required in
	// production; a development fallback is applied otherwise.
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
	CORS      struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	// RateLimit throttles plain HTTP endpoints. Socket event limits
	// live under gateway.limits.
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	AdminKeys   []string `yaml:"admin_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RetentionConfig holds configuration for the automatic purge runner
// that drops message tombstones past their retention period.
type RetentionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Cron         string   `yaml:"cron"`
	Period       string   `yaml:"period"`
	BatchSize    int      `yaml:"batch_size"`
	BatchSleepMs int      `yaml:"batch_sleep_ms"`
	DryRun       bool     `yaml:"dry_run"`
	Paused       bool     `yaml:"paused"`
	MinPeriod    string   `yaml:"min_period"`
	LockTTL      Duration `yaml:"lock_ttl"`
}

// GatewayConfig holds socket and pipeline tunables.
type GatewayConfig struct {
	Queue      QueueConfig  `yaml:"queue"`
	SendBuffer int          `yaml:"send_buffer"`
	ReadLimit  SizeBytes    `yaml:"read_limit"`
	PongWait   Duration     `yaml:"pong_wait"`
	WriteWait  Duration     `yaml:"write_wait"`
	Limits     []EventLimit `yaml:"limits"`
	// MaxTextLen bounds message and edit text; zero keeps the built-in
	// limit.
	MaxTextLen int `yaml:"max_text_len"`
}

// QueueConfig holds the in-memory submission queue tunables.
type QueueConfig struct {
	Capacity             int       `yaml:"capacity"`
	MaxPooledBufferBytes SizeBytes `yaml:"max_pooled_buffer_bytes"`
}

// EventLimit is a per-event-kind token bucket: rps sustained, burst
// peak. Buckets are tracked per connection.
type EventLimit struct {
	Event string  `yaml:"event"`
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DefaultEventLimits returns the built-in socket event buckets applied
// when the config file names none.
func DefaultEventLimits() []EventLimit {
	return []EventLimit{
		{Event: "sendMessage", RPS: 1, Burst: 5},
		{Event: "editMessage", RPS: 1, Burst: 5},
		{Event: "deleteMessage", RPS: 1, Burst: 5},
		{Event: "toggleReaction", RPS: 2, Burst: 10},
		{Event: "replyToMessage", RPS: 1, Burst: 5},
	}
}

// ApplyDefaults fills zero values with the built-in defaults. Called
// once after file, env and flag merging.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "./.database"
	}
	if c.Security.TokenTTL.Duration() == 0 {
		c.Security.TokenTTL = Duration(7 * 24 * time.Hour)
	}
	if c.Security.RateLimit.RPS == 0 {
		c.Security.RateLimit.RPS = 50
	}
	if c.Security.RateLimit.Burst == 0 {
		c.Security.RateLimit.Burst = 100
	}
	if c.Retention.LockTTL.Duration() == 0 {
		c.Retention.LockTTL = Duration(5 * time.Minute)
	}
	if c.Gateway.Queue.Capacity == 0 {
		c.Gateway.Queue.Capacity = 1024
	}
	if c.Gateway.Queue.MaxPooledBufferBytes == 0 {
		c.Gateway.Queue.MaxPooledBufferBytes = SizeBytes(64 * 1024)
	}
	if c.Gateway.SendBuffer == 0 {
		c.Gateway.SendBuffer = 64
	}
	if c.Gateway.ReadLimit == 0 {
		c.Gateway.ReadLimit = SizeBytes(8192)
	}
	if c.Gateway.PongWait.Duration() == 0 {
		c.Gateway.PongWait = Duration(60 * time.Second)
	}
	if c.Gateway.WriteWait.Duration() == 0 {
		c.Gateway.WriteWait = Duration(10 * time.Second)
	}
	if len(c.Gateway.Limits) == 0 {
		c.Gateway.Limits = DefaultEventLimits()
	}
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64KB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
