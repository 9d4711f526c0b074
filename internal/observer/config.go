package observer

import (
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/georgeji/record-observer/internal/source"
)

const (
	DefaultPollInterval     = 30 * time.Second
	DefaultDebounceWindow   = time.Second
	DefaultEndSkew          = time.Minute
	DefaultScanTimeout      = 30 * time.Second
	DefaultSubscriberBuffer = 64
	DefaultErrorBuffer      = 16
)

// Config 观察器配置
type Config struct {
	EntityName string
	// PollInterval is the fallback scan period; at least one second.
	PollInterval time.Duration
	// InitialObservationTime seeds both watermarks. Zero means now.
	InitialObservationTime time.Time

	DebounceWindow time.Duration
	// EndSkew is added to now to form the scan window's end bound.
	EndSkew     time.Duration
	ScanTimeout time.Duration

	SubscriberBuffer int
	ErrorBuffer      int

	Backoff BackoffConfig

	// Clock drives timers; tests substitute a testclock.
	Clock clock.Clock
}

// BackoffConfig 扫描失败退避
type BackoffConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// withDefaults fills zero fields and validates the rest.
func (c Config) withDefaults() (Config, error) {
	if !source.ValidIdentifier(c.EntityName) {
		return c, fmt.Errorf("invalid entity name: %q", c.EntityName)
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < time.Second {
		return c, fmt.Errorf("poll interval must be at least 1s, got %s", c.PollInterval)
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.InitialObservationTime.IsZero() {
		c.InitialObservationTime = c.Clock.Now()
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.EndSkew < 0 {
		return c, fmt.Errorf("end skew must not be negative, got %s", c.EndSkew)
	}
	if c.EndSkew == 0 {
		c.EndSkew = DefaultEndSkew
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = DefaultErrorBuffer
	}
	if c.Backoff.Enabled {
		if c.Backoff.InitialInterval <= 0 {
			c.Backoff.InitialInterval = c.PollInterval
		}
		if c.Backoff.MaxInterval < c.Backoff.InitialInterval {
			c.Backoff.MaxInterval = 10 * c.Backoff.InitialInterval
		}
	}
	return c, nil
}
