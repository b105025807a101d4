// Package config loads litepool configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/manager"
	"github.com/guileen/litepool/pool"
	"github.com/ilyakaznacheev/cleanenv"
)

// Target kinds accepted in TargetConfig.Kind.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindRemote = "remote"
)

// Config holds all configuration for litepool.
// Environment variables always override YAML values.
type Config struct {
	Target  TargetConfig  `yaml:"target"`
	Session SessionConfig `yaml:"session"`
	Pool    PoolConfig    `yaml:"pool"`
	Server  ServerConfig  `yaml:"server"`
}

// TargetConfig selects the datastore connections are opened against.
type TargetConfig struct {
	// Kind is one of memory, file or remote.
	Kind     string `yaml:"kind" env:"LITEPOOL_TARGET" env-default:"memory"`
	Path     string `yaml:"path" env:"LITEPOOL_PATH"`
	Endpoint string `yaml:"endpoint" env:"LITEPOOL_ENDPOINT"`
}

// SessionConfig is copied into every connection.
type SessionConfig struct {
	Namespace string            `yaml:"namespace" env:"LITEPOOL_NAMESPACE" env-default:"litepool"`
	Database  string            `yaml:"database" env:"LITEPOOL_DATABASE" env-default:"litepool"`
	Auth      string            `yaml:"auth" env:"LITEPOOL_AUTH"`
	Origin    string            `yaml:"origin" env:"LITEPOOL_ORIGIN"`
	Params    map[string]string `yaml:"params" env:"LITEPOOL_PARAMS"` // key:value,key:value
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	MaxSize           int32         `yaml:"max_size" env:"LITEPOOL_POOL_MAX_SIZE" env-default:"10"`
	MinSize           int32         `yaml:"min_size" env:"LITEPOOL_POOL_MIN_SIZE" env-default:"0"`
	MaxLifetime       time.Duration `yaml:"max_lifetime" env:"LITEPOOL_POOL_MAX_LIFETIME" env-default:"1h"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time" env:"LITEPOOL_POOL_MAX_IDLE_TIME" env-default:"30m"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period" env:"LITEPOOL_POOL_HEALTH_CHECK_PERIOD" env-default:"1m"`
	TestOnCheckout    bool          `yaml:"test_on_checkout" env:"LITEPOOL_POOL_TEST_ON_CHECKOUT" env-default:"true"`
	ValidateTimeout   time.Duration `yaml:"validate_timeout" env:"LITEPOOL_POOL_VALIDATE_TIMEOUT" env-default:"5s"`
}

// ServerConfig configures `litepool serve`.
type ServerConfig struct {
	// Listen is the PostgreSQL wire protocol address.
	Listen string `yaml:"listen" env:"LITEPOOL_LISTEN" env-default:"127.0.0.1:5433"`
	// HTTPAddr serves /healthz and /metrics. Empty disables it.
	HTTPAddr        string        `yaml:"http_addr" env:"LITEPOOL_HTTP_ADDR" env-default:"127.0.0.1:9090"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LITEPOOL_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Load reads the YAML file at path, when given, and applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the target is complete and the pool sizes are sane.
func (c *Config) Validate() error {
	c.Target.Kind = strings.ToLower(strings.TrimSpace(c.Target.Kind))
	switch c.Target.Kind {
	case KindMemory:
	case KindFile:
		if c.Target.Path == "" {
			return fmt.Errorf("target kind %q requires a path", KindFile)
		}
	case KindRemote:
		if strings.TrimSpace(c.Target.Endpoint) == "" {
			return fmt.Errorf("target kind %q requires an endpoint", KindRemote)
		}
	default:
		return fmt.Errorf("unknown target kind %q", c.Target.Kind)
	}

	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("pool max_size must be at least 1")
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool min_size must be between 0 and max_size")
	}
	return nil
}

// Session returns the engine session described by the configuration.
func (s SessionConfig) Session() engine.Session {
	session := engine.NewSession(s.Namespace, s.Database)
	session.Auth = s.Auth
	session.Origin = s.Origin
	if len(s.Params) > 0 {
		session.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			session.Params[k] = v
		}
	}
	return session
}

// PoolConfig converts to pool.Config.
func (p PoolConfig) PoolConfig() pool.Config {
	return pool.Config{
		MaxSize:           p.MaxSize,
		MinSize:           p.MinSize,
		MaxLifetime:       p.MaxLifetime,
		MaxIdleTime:       p.MaxIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
		TestOnCheckout:    p.TestOnCheckout,
		ValidateTimeout:   p.ValidateTimeout,
	}
}

// Manager builds the resource manager for the configured target and session.
func (c *Config) Manager(opts ...manager.Option) (*manager.Manager, error) {
	session := c.Session.Session()
	switch c.Target.Kind {
	case KindMemory:
		return manager.ForMemory(session, opts...), nil
	case KindFile:
		return manager.ForFile(c.Target.Path, session, opts...), nil
	case KindRemote:
		return manager.ForRemote(c.Target.Endpoint, session, opts...), nil
	default:
		return nil, fmt.Errorf("unknown target kind %q", c.Target.Kind)
	}
}
