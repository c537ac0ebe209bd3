// Package config loads YAML configuration for both the server and
// client binaries, grounded on the teacher's internal/config package:
// the same Duration-wrapper-over-string-durations approach, the same
// Load/Validate/Default shape, generalized from an embedded-PHP app
// server's settings to a transport server/client's.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LogConfig     `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Admin   AdminConfig   `yaml:"admin"`
	Codec   CodecConfig   `yaml:"codec"`
}

// ServerConfig controls a listening rpcserver.Server.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	SupportedEncodings []string `yaml:"supported_encodings"`
	MaxPayloadSize     uint32   `yaml:"max_payload_size"`
	PingInterval       Duration `yaml:"ping_interval"`
	HandshakeTimeout   Duration `yaml:"handshake_timeout"`
	WorkerPoolCapacity int      `yaml:"worker_pool_capacity"`
}

// ClientConfig controls an rpcclient.Client's dial behavior.
type ClientConfig struct {
	Address          string   `yaml:"address"`
	Encodings        []string `yaml:"encodings"`
	MaxPayloadSize   uint32   `yaml:"max_payload_size"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	RequestTimeout   Duration `yaml:"request_timeout"`
}

// LogConfig controls the slog handler constructed at startup.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// MetricsConfig controls the exposed metrics set.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig controls the optional admin HTTP server.
type AdminConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	EnableFrameTap bool   `yaml:"enable_frame_tap"`
	FrameTapPath   string `yaml:"frame_tap_path"`
}

// CodecConfig selects the example application payload codec used by
// the bundled CLI demos (internal/codec).
type CodecConfig struct {
	Name string `yaml:"name"` // identity, msgpack, json
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "5s" rather than raw nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with reasonable defaults for local
// development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "0.0.0.0:7878",
			SupportedEncodings: []string{"msgpack", "identity"},
			MaxPayloadSize:     16 * 1024 * 1024,
			PingInterval:       Duration(30 * time.Second),
			HandshakeTimeout:   Duration(10 * time.Second),
			WorkerPoolCapacity: 256,
		},
		Client: ClientConfig{
			Address:          "127.0.0.1:7878",
			Encodings:        []string{"msgpack", "identity"},
			MaxPayloadSize:   16 * 1024 * 1024,
			HandshakeTimeout: Duration(10 * time.Second),
			RequestTimeout:   Duration(5 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Admin: AdminConfig{
			Enabled:        false,
			Address:        "127.0.0.1:7879",
			EnableFrameTap: false,
			FrameTapPath:   "/frames",
		},
		Codec: CodecConfig{
			Name: "identity",
		},
	}
}

// Load reads a YAML document at path over top of Default(), then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid or missing required values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if len(c.Server.SupportedEncodings) == 0 {
		return fmt.Errorf("server.supported_encodings must list at least one encoding")
	}
	if c.Server.WorkerPoolCapacity < 1 {
		return fmt.Errorf("server.worker_pool_capacity must be >= 1, got %d", c.Server.WorkerPoolCapacity)
	}
	if len(c.Client.Encodings) == 0 {
		return fmt.Errorf("client.encodings must list at least one encoding")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Admin.EnableFrameTap && !c.Admin.Enabled {
		return fmt.Errorf("admin.enable_frame_tap requires admin.enabled")
	}
	validCodecs := map[string]bool{"identity": true, "msgpack": true, "json": true}
	if !validCodecs[c.Codec.Name] {
		return fmt.Errorf("codec.name must be identity, msgpack, or json, got %q", c.Codec.Name)
	}
	return nil
}
