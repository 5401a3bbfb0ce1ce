// Package config loads certmaster's TOML configuration file, mirroring the
// shape of original_source's Config/RedisConfig/ReceiverConfig/CaConfig/
// WebConfig, loaded with github.com/naoina/toml.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/naoina/toml"
)

// Config is the root configuration document.
type Config struct {
	Redis  RedisConfig  `toml:"redis"`
	Inbox  InboxConfig  `toml:"inbox"`
	CA     CAConfig     `toml:"ca"`
	HTTP   HTTPConfig   `toml:"http"`
}

// RedisConfig describes how to reach the event bus + job store.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	StreamKey     string `toml:"stream_key"`
	JobListKey    string `toml:"job_list_key"`
}

// InboxConfig configures the filesystem watcher boundary component.
type InboxConfig struct {
	Path            string `toml:"path"`
	RescanInterval  int    `toml:"rescan_interval_seconds"`
}

// CAConfig locates the signing material used by the signing block.
type CAConfig struct {
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
}

// HTTPConfig configures the HTTP boundary surface.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

func defaults() Config {
	return Config{
		Redis: RedisConfig{
			Addr:       "127.0.0.1:6379",
			StreamKey:  "event-queue",
			JobListKey: "job-list",
		},
		Inbox: InboxConfig{
			Path:           "./inbox",
			RescanInterval: 30,
		},
		HTTP: HTTPConfig{
			Addr: "0.0.0.0:9999",
		},
	}
}

// Load reads and parses the TOML document at path, starting from sane
// defaults for anything the file omits.
func Load(path string) (*Config, error) {
	cfg := defaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		return nil, fmt.Errorf("config: invalid http.addr %q: %w", cfg.HTTP.Addr, err)
	}

	return &cfg, nil
}
