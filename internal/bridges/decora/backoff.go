package decora

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnection backoff defaults. BLE devices disappear for seconds (link
// noise) or hours (breaker off); the spread keeps retry traffic low without
// giving up on devices that come back.
const (
	defaultBackoffInitial    = 1 * time.Second
	defaultBackoffMax        = 60 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultBackoffJitter     = 0.25
)

// backoff produces exponentially growing reconnect delays with jitter.
//
// Thread safe. Reset after every successful connection so short outages
// recover quickly.
type backoff struct {
	mu sync.Mutex

	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int

	rng *rand.Rand
}

// BackoffOptions customizes reconnect pacing. Zero values select defaults.
type BackoffOptions struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func newBackoff(opts BackoffOptions) *backoff {
	if opts.Initial <= 0 {
		opts.Initial = defaultBackoffInitial
	}
	if opts.Max <= 0 {
		opts.Max = defaultBackoffMax
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = defaultBackoffMultiplier
	}
	if opts.Jitter == 0 {
		opts.Jitter = defaultBackoffJitter
	} else if opts.Jitter < 0 {
		// Negative disables jitter entirely, mostly for deterministic tests.
		opts.Jitter = 0
	}
	return &backoff{
		current:    opts.Initial,
		initial:    opts.Initial,
		max:        opts.Max,
		multiplier: opts.Multiplier,
		jitter:     opts.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay to wait before the upcoming attempt and advances
// the schedule.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.withJitter(b.current)

	b.attempts++
	grown := time.Duration(float64(b.current) * b.multiplier)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown

	return delay
}

// reset returns the schedule to the initial delay after a successful
// connection.
func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// attemptCount returns the attempts since the last reset.
func (b *backoff) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *backoff) withJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
