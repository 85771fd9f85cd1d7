// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration decodes "30s"-style strings as well as integer nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

type Limits struct {
	MaxPageSize   int `json:"max_page_size"`
	MaxWindowSize int `json:"max_window_size"`
	MaxBytes      int `json:"max_bytes"`
	MaxHunks      int `json:"max_hunks"`
}

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	// Database holds the persistent snapshot store. An empty path keeps
	// everything in memory only.
	Database struct {
		Path string   `json:"path"`
		TTL  Duration `json:"ttl"`
	} `json:"database"`

	Backend struct {
		Kind      string `json:"kind"` // exec, gogit
		GitBinary string `json:"git_binary"`
	} `json:"backend"`

	Engine struct {
		RequestTimeout Duration `json:"request_timeout"`
		MaxConcurrent  int      `json:"max_concurrent"`
		CacheEnabled   bool     `json:"cache_enabled"`
	} `json:"engine"`

	Limits Limits `json:"limits"`

	Cache struct {
		MaxBytes   int64 `json:"max_bytes"`
		MaxEntries int   `json:"max_entries"`
	} `json:"cache"`

	Watch struct {
		Enabled  bool     `json:"enabled"`
		Debounce Duration `json:"debounce"`
	} `json:"watch"`

	Environment string `json:"environment"` // development, production
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
}

func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 7420
	cfg.Database.TTL = Duration{24 * time.Hour}
	cfg.Backend.Kind = "exec"
	cfg.Backend.GitBinary = "git"
	cfg.Engine.RequestTimeout = Duration{30 * time.Second}
	cfg.Engine.MaxConcurrent = 10
	cfg.Engine.CacheEnabled = true
	cfg.Limits = Limits{
		MaxPageSize:   1000,
		MaxWindowSize: 10000,
		MaxBytes:      10 * 1024 * 1024,
		MaxHunks:      10000,
	}
	cfg.Cache.MaxBytes = 256 * 1024 * 1024
	cfg.Cache.MaxEntries = 100000
	cfg.Watch.Debounce = Duration{200 * time.Millisecond}
	cfg.Environment = "development"
	cfg.LogLevel = "info"
	return cfg
}

func Path() string {
	env := os.Getenv("REPOLENS_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load decodes path over Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"limits.max_page_size", int64(c.Limits.MaxPageSize)},
		{"limits.max_window_size", int64(c.Limits.MaxWindowSize)},
		{"limits.max_bytes", int64(c.Limits.MaxBytes)},
		{"limits.max_hunks", int64(c.Limits.MaxHunks)},
		{"cache.max_bytes", c.Cache.MaxBytes},
		{"cache.max_entries", int64(c.Cache.MaxEntries)},
		{"engine.max_concurrent", int64(c.Engine.MaxConcurrent)},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", check.name, check.value)
		}
	}

	switch c.Backend.Kind {
	case "exec", "gogit":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend.Kind)
	}
	return nil
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
