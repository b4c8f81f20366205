// Package config loads the watchparty daemon configuration from an optional
// TOML file, applying defaults and validating the result. Flag and
// environment overrides are resolved by cmd/server on top of the loaded
// values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Server contains listen and TLS configuration.
type Server struct {
	Bind        string `toml:"bind"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

// Paths contains directory configuration. PublicDir is served statically,
// VideosDir holds converted output (and is served under /videos/), RawDir is
// the only tree conversion sources may come from, and DataDir holds the
// instance lock.
type Paths struct {
	PublicDir string `toml:"public_dir"`
	VideosDir string `toml:"videos_dir"`
	RawDir    string `toml:"raw_dir"`
	DataDir   string `toml:"data_dir"`
}

// Room contains the shared host secret, either plain or in the pbkdf2
// encoding produced by auth.HashSecret.
type Room struct {
	HostSecret string `toml:"host_secret"`
}

// Encode contains the ffmpeg invocation profile for conversion jobs.
type Encode struct {
	FFmpegPath     string `toml:"ffmpeg_path"`
	Preset         string `toml:"preset"`
	CRF            int    `toml:"crf"`
	SegmentSeconds int    `toml:"segment_seconds"`
	AudioBitrate   string `toml:"audio_bitrate"`
}

// Archive configures the optional chat archive queue. Driver "memory" keeps
// events in-process; "redis" publishes them to a Redis stream.
type Archive struct {
	Driver      string `toml:"driver"`
	RedisAddr   string `toml:"redis_addr"`
	RedisStream string `toml:"redis_stream"`
	RedisGroup  string `toml:"redis_group"`
	RedisUser   string `toml:"redis_username"`
	RedisPass   string `toml:"redis_password"`
}

// Log contains logging configuration.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root daemon configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Paths   Paths   `toml:"paths"`
	Room    Room    `toml:"room"`
	Encode  Encode  `toml:"encode"`
	Archive Archive `toml:"archive"`
	Log     Log     `toml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{Bind: ":3000"},
		Paths: Paths{
			PublicDir: "public",
			VideosDir: filepath.Join("public", "videos"),
			RawDir:    "unconverted",
			DataDir:   "data",
		},
		Room: Room{HostSecret: "1234"},
		Encode: Encode{
			FFmpegPath:     "ffmpeg",
			Preset:         "veryfast",
			CRF:            20,
			SegmentSeconds: 6,
			AudioBitrate:   "160k",
		},
		Archive: Archive{Driver: "memory"},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path when it exists and merges it over the
// defaults. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Normalize resolves all configured paths to absolute form.
func (c *Config) Normalize() error {
	for _, entry := range []*string{&c.Paths.PublicDir, &c.Paths.VideosDir, &c.Paths.RawDir, &c.Paths.DataDir} {
		trimmed := strings.TrimSpace(*entry)
		if trimmed == "" {
			continue
		}
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return fmt.Errorf("resolve path %q: %w", trimmed, err)
		}
		*entry = abs
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server.Bind) == "" {
		problems = append(problems, "server.bind is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		problems = append(problems, "server.tls_cert_file and server.tls_key_file must be set together")
	}
	for name, value := range map[string]string{
		"paths.public_dir": c.Paths.PublicDir,
		"paths.videos_dir": c.Paths.VideosDir,
		"paths.raw_dir":    c.Paths.RawDir,
		"paths.data_dir":   c.Paths.DataDir,
	} {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}
	if strings.TrimSpace(c.Encode.FFmpegPath) == "" {
		problems = append(problems, "encode.ffmpeg_path is required")
	}
	if c.Encode.CRF < 0 || c.Encode.CRF > 51 {
		problems = append(problems, "encode.crf must be between 0 and 51")
	}
	if c.Encode.SegmentSeconds <= 0 {
		problems = append(problems, "encode.segment_seconds must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Archive.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Archive.RedisAddr) == "" {
			problems = append(problems, "archive.redis_addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("archive.driver %q is not supported", c.Archive.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnsureDirectories creates the configured directories when absent.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.PublicDir, c.Paths.VideosDir, c.Paths.RawDir, c.Paths.DataDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
