// Package migrate implements the iterative migration driver (C6): the
// setup -> iterate-until-converged -> stop-and-flush state machine that
// drives the RAM-block registry, dirty-log tracker, page codec and XBZRLE
// cache over a rate-limited stream.
package migrate

import "time"

// Config is the configuration surface enumerated in §6.
type Config struct {
	XBZRLEEnabled         bool
	XBZRLECacheBytes      uint64
	MaxDowntime           time.Duration
	RateLimitBytesPerTick uint64
	MaxWaitMS             uint32
}

// DefaultMaxWaitMS matches the original's MAX_WAIT constant (50ms, half of
// the buffered-file limit it was tuned against).
const DefaultMaxWaitMS = 50

// WithDefaults fills in any zero-valued fields that have a sensible
// default, returning a copy.
func (c Config) WithDefaults() Config {
	if c.MaxWaitMS == 0 {
		c.MaxWaitMS = DefaultMaxWaitMS
	}

	return c
}
