package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// BasePath is where the HTTP handler is mounted, for example /trpc.
	BasePath string `yaml:"base_path"`
	// WSPath is where WebSocket clients connect.
	WSPath string `yaml:"ws_path"`
	// MetricsPath exposes Prometheus metrics. Empty disables them.
	MetricsPath string `yaml:"metrics_path"`
	// Debug includes stack traces in error shapes.
	Debug bool `yaml:"debug"`

	Auth  AuthConfig  `yaml:"auth"`
	HTTP  HTTPConfig  `yaml:"http"`
	WS    WSConfig    `yaml:"ws"`
	Posts PostsConfig `yaml:"posts"`
	Log   LogConfig   `yaml:"log"`
}

// AuthConfig configures bearer tokens.
type AuthConfig struct {
	// Secret signs tokens. It must be at least 32 bytes.
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	DisableBatching  bool          `yaml:"disable_batching"`
	MaxBodySize      int64         `yaml:"max_body_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
	SSEKeepAlive     time.Duration `yaml:"sse_keep_alive"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// PostsConfig configures the posts API.
type PostsConfig struct {
	PullInterval time.Duration `yaml:"pull_interval"`
	// AddRate is the number of post.add calls allowed per second. 0 disables the limit.
	AddRate  float64 `yaml:"add_rate"`
	AddBurst int     `yaml:"add_burst"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level"`
	// Format: console or json
	Format string `yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `yaml:"outputs"`
	Rotation    RotationConfig `yaml:"rotation"`
	Development bool           `yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Addr:        ":2022",
		BasePath:    "/trpc",
		WSPath:      "/ws",
		MetricsPath: "/metrics",
		Auth: AuthConfig{
			Issuer: "trpc-server",
		},
		HTTP: HTTPConfig{
			MaxBodySize:     1 << 20,
			SSEKeepAlive:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WS: WSConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  5 * time.Second,
			SendBuffer:        256,
		},
		Posts: PostsConfig{
			PullInterval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must be set"))
	}
	if c.WSPath == "" {
		errs = append(errs, errors.New("ws_path must be set"))
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes"))
	}
	if c.Posts.AddRate < 0 {
		errs = append(errs, errors.New("posts.add_rate must not be negative"))
	}
	return errors.Join(errs...)
}
