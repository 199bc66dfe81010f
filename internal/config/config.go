package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service-level settings. Publish destination profiles live in
// the database; this file covers everything needed to boot the process.
type Config struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	DB struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"db"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	MediaMTX struct {
		APIURL       string `yaml:"api_url"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		TimeoutMS    int    `yaml:"timeout_ms"`
		MaxRetries   int    `yaml:"max_retries"`
		RetryDelayMS int    `yaml:"retry_delay_ms"`
	} `yaml:"mediamtx"`

	Relay struct {
		FFmpegPath       string `yaml:"ffmpeg_path"` // empty: resolve from PATH
		SampleIntervalMS int    `yaml:"sample_interval_ms"`
		ViewerPollMS     int    `yaml:"viewer_poll_ms"`
		StopGraceMS      int    `yaml:"stop_grace_ms"`
		BackoffCapMS     int    `yaml:"backoff_cap_ms"`
	} `yaml:"relay"`
}

// Load reads the YAML file at path and applies environment overrides for the
// secrets that should not live on disk.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.ListenAddr = ":8085"
	cfg.DB.Host = "localhost"
	cfg.DB.Port = "5432"
	cfg.DB.SSLMode = "disable"
	cfg.Redis.Addr = "localhost:6379"
	cfg.NATS.Subject = "relay.publications"
	cfg.MediaMTX.TimeoutMS = 5000
	cfg.MediaMTX.MaxRetries = 3
	cfg.MediaMTX.RetryDelayMS = 1000
	cfg.Relay.SampleIntervalMS = 5000
	cfg.Relay.ViewerPollMS = 10000
	cfg.Relay.StopGraceMS = 5000
	cfg.Relay.BackoffCapMS = 60000
	return cfg
}

func applyEnv(cfg *Config) {
	overrideStr(&cfg.DB.Host, "DB_HOST")
	overrideStr(&cfg.DB.Port, "DB_PORT")
	overrideStr(&cfg.DB.User, "DB_USER")
	overrideStr(&cfg.DB.Password, "DB_PASSWORD")
	overrideStr(&cfg.DB.Name, "DB_NAME")
	overrideStr(&cfg.DB.SSLMode, "DB_SSLMODE")
	overrideStr(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideStr(&cfg.NATS.URL, "NATS_URL")
	overrideStr(&cfg.MediaMTX.APIURL, "MEDIAMTX_API_URL")
	overrideStr(&cfg.MediaMTX.Username, "MEDIAMTX_USER")
	overrideStr(&cfg.MediaMTX.Password, "MEDIAMTX_PASSWORD")
}

func overrideStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if c.DB.User == "" {
		return fmt.Errorf("config: DB_USER is required")
	}
	if c.DB.Name == "" {
		return fmt.Errorf("config: DB_NAME is required")
	}
	if c.MediaMTX.MaxRetries < 0 {
		return fmt.Errorf("config: mediamtx.max_retries must be >= 0")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Relay.SampleIntervalMS) * time.Millisecond
}

func (c *Config) ViewerPollInterval() time.Duration {
	return time.Duration(c.Relay.ViewerPollMS) * time.Millisecond
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Relay.StopGraceMS) * time.Millisecond
}

func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Relay.BackoffCapMS) * time.Millisecond
}
