// Package backoff computes capped, jittered exponential retry delays.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tls-chameleon/internal/presets"
)

// Scheduler computes jittered exponential delays. One scheduler may be
// shared by many sessions.
type Scheduler struct {
	mu       sync.Mutex
	rng      *rand.Rand
	disabled bool
}

// New returns a scheduler seeded from the clock
func New() *Scheduler {
	return NewWithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand returns a scheduler drawing jitter from rng
func NewWithRand(rng *rand.Rand) *Scheduler {
	return &Scheduler{rng: rng}
}

// NewNoop returns a scheduler whose delays are always zero
func NewNoop() *Scheduler {
	return &Scheduler{rng: rand.New(rand.NewSource(1)), disabled: true}
}

// BaseDelay is base * growth^(attempt-1) capped at the preset cap, before
// jitter. It never decreases as attempt grows.
func BaseDelay(attempt int, p *presets.SitePreset) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	growth := p.Growth
	if growth < 1 {
		growth = 1
	}
	d := float64(p.BackoffBase) * math.Pow(growth, float64(attempt-1))
	if math.IsInf(d, 0) || d > float64(p.BackoffCap) {
		return p.BackoffCap
	}
	return time.Duration(d)
}

// NextDelay returns the delay before retry number attempt (1-based)
func (s *Scheduler) NextDelay(attempt int, p *presets.SitePreset) time.Duration {
	if s.disabled {
		return 0
	}

	d := float64(BaseDelay(attempt, p))
	if p.Jitter > 0 {
		s.mu.Lock()
		u := s.rng.Float64()*2 - 1
		s.mu.Unlock()
		d += d * p.Jitter * u
	}

	switch {
	case d < 0:
		return 0
	case d > float64(p.BackoffCap):
		return p.BackoffCap
	}
	return time.Duration(d)
}

// Wait sleeps for d or until ctx is done, whichever comes first
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
