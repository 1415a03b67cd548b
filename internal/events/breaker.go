package events

import (
	"sync"
	"time"
)

// circuitState is the state of the webhook circuit breaker.
type circuitState int

const (
	circuitClosed   circuitState = iota // deliveries flow
	circuitOpen                         // webhook down, deliveries skipped
	circuitHalfOpen                     // one trial delivery in flight
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// webhookBreaker stops lifecycle event deliveries once the webhook has been
// unreachable or answered 5xx for threshold deliveries in a row. A 4xx
// answer means the receiver is up and rejected that one event, so it
// counts as a reachable webhook and never trips the circuit.
type webhookBreaker struct {
	mu          sync.Mutex
	state       circuitState
	failures    int
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
}

func newWebhookBreaker(threshold int, cooldown time.Duration) *webhookBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &webhookBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// allow reports whether a delivery may be attempted. After cooldown one
// trial delivery is let through; its record decides the next state.
func (b *webhookBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = circuitHalfOpen
		return true
	case circuitHalfOpen:
		return false
	default:
		return true
	}
}

// record settles the outcome of a delivery allowed by allow. Every allowed
// delivery must be recorded, or a half-open circuit never closes.
func (b *webhookBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !webhookDown(err) {
		b.failures = 0
		b.state = circuitClosed
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.state == circuitHalfOpen || b.failures >= b.threshold {
		b.state = circuitOpen
	}
}

func (b *webhookBreaker) current() circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// webhookDown reports whether err says the webhook itself is failing:
// a transport error or a 5xx answer.
func webhookDown(err error) bool {
	return err != nil && !IsClientError(err)
}
