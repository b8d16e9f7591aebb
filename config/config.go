// Package config loads engine configuration from a yaml file with
// environment overrides. A .env file, when present, is folded into the
// environment first.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml can parse "2s" style values.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the engine's tunable surface. Zero values take the documented
// defaults at load time.
type Config struct {
	API struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"api"`
	Socket struct {
		URL         string   `yaml:"url"`
		BackoffBase Duration `yaml:"backoff_base"`
		BackoffCap  Duration `yaml:"backoff_cap"`
		MaxRetries  int      `yaml:"max_retries"`
	} `yaml:"socket"`
	Sync struct {
		// DedupWindow is the timestamp tolerance for content-based
		// message de-duplication. Clamped to 1s..10s.
		DedupWindow Duration `yaml:"dedup_window"`
		// PollInterval drives the REST catch-up refresh while the
		// channel is down.
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"sync"`
	Typing struct {
		Debounce Duration `yaml:"debounce"`
		Idle     Duration `yaml:"idle"`
		Decay    Duration `yaml:"decay"`
	} `yaml:"typing"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Socket.BackoffBase = Duration(time.Second)
	c.Socket.BackoffCap = Duration(5 * time.Second)
	c.Socket.MaxRetries = 5
	c.Sync.DedupWindow = Duration(3 * time.Second)
	c.Sync.PollInterval = Duration(30 * time.Second)
	c.Typing.Debounce = Duration(2 * time.Second)
	c.Typing.Idle = Duration(2 * time.Second)
	c.Typing.Decay = Duration(5 * time.Second)
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return c
}

// Load reads path (optional), overlays environment variables, and
// validates the result. A missing file is not an error when path is
// empty; a named file that cannot be read is.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	if err := c.normalize(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyEnv overlays CHATSYNC_* environment variables on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_SOCKET_URL"); v != "" {
		c.Socket.URL = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATSYNC_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.DedupWindow = Duration(d)
		}
	}
}

// normalize fills defaults for zero values and bounds the tunables.
func (c *Config) normalize() error {
	d := Default()
	if c.Socket.BackoffBase <= 0 {
		c.Socket.BackoffBase = d.Socket.BackoffBase
	}
	if c.Socket.BackoffCap <= 0 {
		c.Socket.BackoffCap = d.Socket.BackoffCap
	}
	if c.Socket.BackoffCap < c.Socket.BackoffBase {
		return fmt.Errorf("socket.backoff_cap %v below backoff_base %v",
			c.Socket.BackoffCap.Std(), c.Socket.BackoffBase.Std())
	}
	if c.Socket.MaxRetries <= 0 {
		c.Socket.MaxRetries = d.Socket.MaxRetries
	}
	if c.Sync.DedupWindow <= 0 {
		c.Sync.DedupWindow = d.Sync.DedupWindow
	}
	if c.Sync.DedupWindow.Std() < time.Second {
		c.Sync.DedupWindow = Duration(time.Second)
	}
	if c.Sync.DedupWindow.Std() > 10*time.Second {
		c.Sync.DedupWindow = Duration(10 * time.Second)
	}
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = d.Sync.PollInterval
	}
	if c.Typing.Debounce <= 0 {
		c.Typing.Debounce = d.Typing.Debounce
	}
	if c.Typing.Idle <= 0 {
		c.Typing.Idle = d.Typing.Idle
	}
	if c.Typing.Decay <= 0 {
		c.Typing.Decay = d.Typing.Decay
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	return nil
}

// ConfigureLogging applies the logging section to the process logger.
func (c Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if c.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
