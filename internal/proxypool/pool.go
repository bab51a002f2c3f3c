// Package proxypool tracks an ordered list of proxies and their health.
//
// Selection is a cyclic scan that skips dead entries. When every entry is
// dead the pool grants one recovery: all entries go back to unknown and
// the scan is retried. A second all-dead scan fails with
// types.ProxyPoolExhaustedError. Any success, or an explicit Reset,
// re-arms the recovery.
package proxypool

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tls-chameleon/internal/types"
)

// DeadAfter is the number of consecutive suspect marks that kill an entry
const DeadAfter = 3

// Entry is a point-in-time copy of one pool slot
type Entry struct {
	URL       *url.URL
	Key       string
	Display   string
	Health    types.HealthState
	Suspects  int
	LastCheck time.Time
}

type slot struct {
	url       *url.URL
	key       string
	display   string
	health    types.HealthState
	suspects  int
	lastCheck time.Time
}

func (s *slot) entry() Entry {
	u := *s.url
	return Entry{
		URL:       &u,
		Key:       s.key,
		Display:   s.display,
		Health:    s.health,
		Suspects:  s.suspects,
		LastCheck: s.lastCheck,
	}
}

// Pool is safe for concurrent use by any number of sessions
type Pool struct {
	mu        sync.Mutex
	slots     []*slot
	index     map[string]int
	recovered bool
	now       func() time.Time
}

// Parse normalizes one proxy address. Bare host:port means http.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty proxy")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", Redact(raw), err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("proxy %q: unsupported scheme %q", Redact(raw), u.Scheme)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" || port == "" {
		return nil, fmt.Errorf("proxy %q: want host:port", Redact(raw))
	}

	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// ParseList parses every entry, failing with a ConfigurationError on the
// first malformed one
func ParseList(raw []string) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(raw))
	for i, r := range raw {
		u, err := Parse(r)
		if err != nil {
			return nil, types.NewConfigError(fmt.Sprintf("proxies[%d]", i), "%v", err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Redact hides the password of a proxy URL for logs and API responses
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	user := u.User.Username()
	if _, hasPass := u.User.Password(); hasPass {
		user += ":***"
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://"+user+"@", 1)
}

// New builds a pool from raw proxy strings. Duplicates are dropped.
func New(raw []string) (*Pool, error) {
	urls, err := ParseList(raw)
	if err != nil {
		return nil, err
	}

	p := &Pool{index: make(map[string]int), now: time.Now}
	for _, u := range urls {
		p.add(u)
	}
	return p, nil
}

func (p *Pool) add(u *url.URL) bool {
	key := u.String()
	if _, dup := p.index[key]; dup {
		return false
	}
	p.index[key] = len(p.slots)
	p.slots = append(p.slots, &slot{url: u, key: key, display: Redact(key)})
	return true
}

// Add appends new proxies, skipping malformed entries and duplicates.
// It returns how many were added.
func (p *Pool) Add(raw ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, r := range raw {
		u, err := Parse(r)
		if err != nil {
			continue
		}
		if p.add(u) {
			added++
		}
	}
	return added
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Entry returns a copy of slot i
func (p *Pool) Entry(i int) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.slots) {
		return Entry{}, false
	}
	return p.slots[i].entry(), true
}

// Entries returns a copy of every slot in pool order
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.entry()
	}
	return out
}

// IsDead reports whether slot i is dead. Out-of-range counts as dead.
func (p *Pool) IsDead(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return i < 0 || i >= len(p.slots) || p.slots[i].health == types.HealthDead
}

// Next returns the first non-dead slot after index after, wrapping around.
// Pass -1 to start from the beginning.
func (p *Pool) Next(after int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	if n == 0 {
		return -1, &types.ProxyPoolExhaustedError{Size: 0}
	}

	if i, ok := p.scan(after); ok {
		return i, nil
	}

	if p.recovered {
		return -1, &types.ProxyPoolExhaustedError{Size: n}
	}
	p.recovered = true
	for _, s := range p.slots {
		s.health = types.HealthUnknown
		s.suspects = 0
	}

	i, _ := p.scan(after)
	return i, nil
}

func (p *Pool) scan(after int) (int, bool) {
	n := len(p.slots)
	if after < -1 || after >= n {
		after = -1
	}
	for step := 1; step <= n; step++ {
		i := (after + step) % n
		if p.slots[i].health != types.HealthDead {
			return i, true
		}
	}
	return -1, false
}

// MarkSuccess marks slot i healthy and re-arms the recovery scan
func (p *Pool) MarkSuccess(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.slots) {
		return
	}
	s := p.slots[i]
	s.health = types.HealthHealthy
	s.suspects = 0
	s.lastCheck = p.now()
	p.recovered = false
}

// MarkFailure records a block or transport error against slot i and
// returns the resulting state
func (p *Pool) MarkFailure(i int) types.HealthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.slots) {
		return types.HealthUnknown
	}
	s := p.slots[i]
	s.lastCheck = p.now()
	if s.health == types.HealthDead {
		return s.health
	}
	s.suspects++
	if s.suspects >= DeadAfter {
		s.health = types.HealthDead
	} else {
		s.health = types.HealthSuspect
	}
	return s.health
}

// Reset returns every slot to unknown and re-arms the recovery scan
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.health = types.HealthUnknown
		s.suspects = 0
	}
	p.recovered = false
}

// Counts returns the number of slots in each health state
func (p *Pool) Counts() map[types.HealthState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[types.HealthState]int{
		types.HealthUnknown: 0,
		types.HealthHealthy: 0,
		types.HealthSuspect: 0,
		types.HealthDead:    0,
	}
	for _, s := range p.slots {
		out[s.health]++
	}
	return out
}

// Snapshot copies the health table for persistence
func (p *Pool) Snapshot() *types.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &types.PoolSnapshot{
		Proxies: make([]types.ProxyHealth, 0, len(p.slots)),
		Updated: p.now(),
	}
	for _, s := range p.slots {
		snap.Proxies = append(snap.Proxies, types.ProxyHealth{
			Proxy:     s.key,
			Health:    s.health,
			Suspects:  s.suspects,
			LastCheck: s.lastCheck,
		})
	}
	return snap
}

// Restore applies persisted health to proxies already in the pool.
// Entries checked longer than maxAge ago are ignored; maxAge <= 0 accepts
// everything. It returns the number of slots updated.
func (p *Pool) Restore(snap *types.PoolSnapshot, maxAge time.Duration) int {
	if snap == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = p.now().Add(-maxAge)
	}

	restored := 0
	for _, h := range snap.Proxies {
		i, ok := p.index[h.Proxy]
		if !ok || h.LastCheck.Before(cutoff) {
			continue
		}
		s := p.slots[i]
		s.health = h.Health
		s.suspects = h.Suspects
		s.lastCheck = h.LastCheck
		restored++
	}
	return restored
}
