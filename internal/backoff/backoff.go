// Package backoff computes reconnect delays.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Default policy values.
const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
	DefaultJitter       = 0.3
	DefaultMaxAttempts  = 5
)

// Policy is an exponential backoff bounded by MaxAttempts.
//
// Next is a pure function of the attempt number apart from the jitter draw.
// The jittered delay for attempt n lies between base(n) and base(n+1), so
// delays never decrease as attempts grow and stay at MaxDelay once capped.
type Policy struct {
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	// Jitter in [0, 1] is the fraction of the gap to the next step that may
	// be added at random.
	Jitter float64 `json:"jitter" yaml:"jitter"`
	// MaxAttempts is the number of consecutive failed retries tolerated.
	// 0 means retry forever.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64 `json:"-" yaml:"-"`
}

// Default returns the default policy.
func Default() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Jitter:       DefaultJitter,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	switch {
	case p.InitialDelay < 0:
		return errors.New("backoff: initial delay must not be negative")
	case p.MaxDelay < p.InitialDelay:
		return errors.New("backoff: max delay must not be less than initial delay")
	case p.Multiplier < 1:
		return errors.New("backoff: multiplier must be at least 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("backoff: jitter must be within [0, 1]")
	case p.MaxAttempts < 0:
		return errors.New("backoff: max attempts must not be negative")
	}
	return nil
}

// Next returns the delay before retry number attempt+1, where attempt is the
// number of retries already scheduled since the last successful open.
// ok is false once MaxAttempts retries were used up.
func (p Policy) Next(attempt int) (delay time.Duration, ok bool) {
	if attempt < 0 {
		attempt = 0
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}

	base := p.base(attempt)
	if p.Jitter <= 0 {
		return base, true
	}

	gap := p.base(attempt+1) - base
	if gap <= 0 {
		return base, true
	}

	return base + time.Duration(p.random()*p.Jitter*float64(gap)), true
}

func (p Policy) base(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
