package ioreq

import "time"

const (
	defaultDestroyPollInterval = 10 * time.Millisecond
	defaultDestroyWarnAfter    = 5 * time.Second
)

// Config tunes broker behaviour. The zero value is usable.
type Config struct {
	// DestroyPollInterval is how often DestroyClient re-checks whether the
	// client's worker has acknowledged teardown.
	DestroyPollInterval time.Duration

	// DestroyWarnAfter controls how long DestroyClient waits before logging
	// that a worker has not yet exited. Waiting continues regardless.
	DestroyWarnAfter time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.DestroyPollInterval > 0 {
		return c.DestroyPollInterval
	}
	return defaultDestroyPollInterval
}

func (c Config) warnAfter() time.Duration {
	if c.DestroyWarnAfter > 0 {
		return c.DestroyWarnAfter
	}
	return defaultDestroyWarnAfter
}
