// Package config loads the marketd yaml configuration with defaults and
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SubscriptionSeed is one default subscription applied on first start.
type SubscriptionSeed struct {
	Channel string `yaml:"channel"`
	Symbol  string `yaml:"symbol"`
	Depth   int    `yaml:"depth"`
}

// Config is the full marketd configuration.
type Config struct {
	Upstream struct {
		WSURL   string `yaml:"ws_url"`
		RESTURL string `yaml:"rest_url"`
	} `yaml:"upstream"`

	Reconnect struct {
		BaseDelay Duration `yaml:"base_delay"`
		CapDelay  Duration `yaml:"cap_delay"`
	} `yaml:"reconnect"`

	Heartbeat struct {
		Interval       Duration `yaml:"interval"`
		MissMultiplier int      `yaml:"miss_multiplier"`
	} `yaml:"heartbeat"`

	Bus struct {
		DefaultCapacity int    `yaml:"default_capacity"`
		Policy          string `yaml:"policy"`
	} `yaml:"bus"`

	QueryCache struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"query_cache"`

	Backfill struct {
		RateLimit   float64  `yaml:"rate_limit"` // requests per second
		Retries     int      `yaml:"retries"`
		PageTimeout Duration `yaml:"page_timeout"`
	} `yaml:"backfill"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	DefaultSubscriptions []SubscriptionSeed `yaml:"default_subscriptions"`
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	var c Config
	c.Upstream.WSURL = "wss://ws.kraken.com"
	c.Upstream.RESTURL = "https://api.kraken.com"
	c.Reconnect.BaseDelay = Duration(time.Second)
	c.Reconnect.CapDelay = Duration(60 * time.Second)
	c.Heartbeat.Interval = Duration(30 * time.Second)
	c.Heartbeat.MissMultiplier = 2
	c.Bus.DefaultCapacity = 256
	c.Bus.Policy = "drop_oldest"
	c.QueryCache.TTL = Duration(30 * time.Second)
	c.Backfill.RateLimit = 1
	c.Backfill.Retries = 5
	c.Backfill.PageTimeout = Duration(30 * time.Second)
	c.Redis.Addr = "localhost:6379"
	c.HTTP.Addr = ":8090"
	c.Log.Level = "info"
	return c
}

// Load reads path over the defaults. An empty path returns defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets secrets live outside the yaml file.
func applyEnv(cfg *Config) {
	if dsn := os.Getenv("MARKETD_PG_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if addr := os.Getenv("MARKETD_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("MARKETD_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required")
	}
	if c.Upstream.RESTURL == "" {
		return fmt.Errorf("upstream.rest_url is required")
	}
	if c.Reconnect.BaseDelay.Std() <= 0 || c.Reconnect.CapDelay.Std() < c.Reconnect.BaseDelay.Std() {
		return fmt.Errorf("reconnect delays invalid: base %s, cap %s", c.Reconnect.BaseDelay.Std(), c.Reconnect.CapDelay.Std())
	}
	if c.Heartbeat.Interval.Std() <= 0 || c.Heartbeat.MissMultiplier < 1 {
		return fmt.Errorf("heartbeat config invalid")
	}
	if c.Bus.DefaultCapacity <= 0 {
		return fmt.Errorf("bus.default_capacity must be positive")
	}
	switch c.Bus.Policy {
	case "block", "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("bus.policy must be block, drop_oldest or drop_newest")
	}
	if c.Backfill.RateLimit <= 0 {
		return fmt.Errorf("backfill.rate_limit must be positive")
	}
	for _, seed := range c.DefaultSubscriptions {
		if seed.Channel != "ticker" && seed.Channel != "orderbook" {
			return fmt.Errorf("default subscription: unknown channel %q", seed.Channel)
		}
		if seed.Symbol == "" {
			return fmt.Errorf("default subscription: empty symbol")
		}
	}
	return nil
}
