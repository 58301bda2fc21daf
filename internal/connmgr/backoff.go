package connmgr

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tickwire/tickwire/config"
)

// Rand supplies the jitter added to each reconnect delay. math/rand/v2's
// *rand.Rand satisfies it; tests inject deterministic sources.
type Rand interface {
	Int64N(n int64) int64
}

type systemRand struct{}

func (systemRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// Backoff produces the reconnect delay schedule
// min(initial*multiplier^(attempt-1), max) plus a uniform draw from
// [0, jitter). Delays are non-decreasing in the attempt number up to the cap.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter time.Duration
	rng    Rand
}

// NewBackoff builds the schedule from reconnect settings. A nil rng selects
// the process-wide math/rand/v2 source.
func NewBackoff(cfg config.ReconnectSettings, rng Rand) *Backoff {
	if rng == nil {
		rng = systemRand{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	// Randomization is disabled so the base schedule stays exact; jitter is
	// applied separately from the injected source.
	exp.RandomizationFactor = 0
	exp.Reset()
	return &Backoff{exp: exp, jitter: cfg.JitterBound, rng: rng}
}

// Next returns the delay for the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if b.jitter > 0 {
		d += time.Duration(b.rng.Int64N(int64(b.jitter)))
	}
	return d
}

// Reset restarts the schedule at the initial delay.
func (b *Backoff) Reset() {
	b.exp.Reset()
}
