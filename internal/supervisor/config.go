package supervisor

import "time"

// Config holds the timing and budget knobs. Zero fields take the defaults
// from DefaultConfig.
type Config struct {
	StartupInterval time.Duration
	StartupAttempts int
	Warmup          time.Duration
	Interval        time.Duration
	RestartDelay    time.Duration
	MaxRestarts     int
	Grace           time.Duration
}

// DefaultConfig returns the product defaults.
func DefaultConfig() Config {
	return Config{
		StartupInterval: 2 * time.Second,
		StartupAttempts: 60,
		Warmup:          10 * time.Second,
		Interval:        5 * time.Second,
		RestartDelay:    5 * time.Second,
		MaxRestarts:     3,
		Grace:           500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StartupInterval <= 0 {
		c.StartupInterval = d.StartupInterval
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = d.StartupAttempts
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	} else if c.Warmup == 0 {
		c.Warmup = d.Warmup
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	// MaxRestarts < 0 disables restarts entirely
	if c.MaxRestarts == 0 {
		c.MaxRestarts = d.MaxRestarts
	} else if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	// Grace < 0 sends the forced kill right after the graceful signal
	if c.Grace == 0 {
		c.Grace = d.Grace
	} else if c.Grace < 0 {
		c.Grace = 0
	}
	return c
}
