package panel

import (
	"strings"
	"sync"
	"time"
)

// Breaker is a per-panel consecutive-failure circuit breaker.
//
//   - closed: calls pass; transport failures are counted.
//   - open: after threshold failures calls short-circuit until the
//     cooldown expires. Cooldown doubles per extra failure up to maxCooldown.
//   - half-open: one probe call is let through; its result closes or
//     re-opens the circuit.
type Breaker struct {
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration
	now         func() time.Time

	mu sync.Mutex
	m  map[string]*circuit
}

type circuit struct {
	fails     int
	openUntil time.Time
	probing   bool
}

// NewBreaker returns a breaker. threshold <= 0 defaults to 5 and cooldown
// <= 0 to 30s.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold:   threshold,
		cooldown:    cooldown,
		maxCooldown: 16 * cooldown,
		now:         time.Now,
		m:           map[string]*circuit{},
	}
}

func (b *Breaker) get(key string) *circuit {
	k := strings.TrimSpace(key)
	c := b.m[k]
	if c == nil {
		c = &circuit{}
		b.m[k] = c
	}
	return c
}

// Allow reports whether a call to key may proceed.
func (b *Breaker) Allow(key string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	if c.openUntil.IsZero() {
		return true
	}
	if b.now().Before(c.openUntil) {
		return false
	}
	if c.probing {
		return false
	}
	c.probing = true
	return true
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(key string, ok bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.probing = false
	if ok {
		c.fails = 0
		c.openUntil = time.Time{}
		return
	}
	c.fails++
	if c.fails < b.threshold {
		return
	}
	d := b.cooldown
	for i := 0; i < c.fails-b.threshold; i++ {
		d *= 2
		if d >= b.maxCooldown {
			d = b.maxCooldown
			break
		}
	}
	c.openUntil = b.now().Add(d)
}

// OpenCount returns how many panels are currently short-circuited.
func (b *Breaker) OpenCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for _, c := range b.m {
		if !c.openUntil.IsZero() && now.Before(c.openUntil) {
			n++
		}
	}
	return n
}
