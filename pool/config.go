package pool

import (
	"fmt"
	"time"
)

// Config defines the sizing and health-check policy of a Pool.
type Config struct {
	// MaxSize is the maximum number of resources, idle or acquired.
	MaxSize int32
	// MinSize is the number of resources created up front and kept by the
	// maintenance loop.
	MinSize int32
	// MaxLifetime destroys resources older than this on release or during
	// maintenance. Zero disables it.
	MaxLifetime time.Duration
	// MaxIdleTime destroys resources idle for longer than this, as long as
	// MinSize is kept. Zero disables it.
	MaxIdleTime time.Duration
	// HealthCheckPeriod is the maintenance interval. Zero disables
	// maintenance. Without TestOnCheckout, idle resources older than this are
	// validated on acquire.
	HealthCheckPeriod time.Duration
	// TestOnCheckout validates every resource before Acquire returns it.
	TestOnCheckout bool
	// ValidateTimeout bounds each validation run by the maintenance loop.
	ValidateTimeout time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:           10,
		MinSize:           0,
		MaxLifetime:       time.Hour,
		MaxIdleTime:       30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		TestOnCheckout:    true,
		ValidateTimeout:   5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("max size must be at least 1, got %d", c.MaxSize)
	}
	if c.MinSize < 0 {
		return fmt.Errorf("min size must not be negative, got %d", c.MinSize)
	}
	if c.MinSize > c.MaxSize {
		return fmt.Errorf("min size %d exceeds max size %d", c.MinSize, c.MaxSize)
	}
	if c.MaxLifetime < 0 || c.MaxIdleTime < 0 || c.HealthCheckPeriod < 0 || c.ValidateTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
