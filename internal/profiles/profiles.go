// Package profiles holds the static catalog of browser impersonation
// profiles. A profile bundles the signals anti-bot systems correlate: the
// TLS ClientHello shape, the User-Agent, the default header set and its
// order, and the HTTP/2 SETTINGS a real browser sends.
//
// Profiles are shared read-only between sessions. Code that needs a
// modified profile must go through Variant, which returns a copy.
package profiles

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	utls "github.com/refraction-networking/utls"
	"github.com/tls-chameleon/internal/types"
)

// DefaultProfile is used when a session names no fingerprint
const DefaultProfile = "chrome_120"

// H2Setting is one HTTP/2 SETTINGS parameter (RFC 9113 identifiers)
type H2Setting struct {
	ID  uint16
	Val uint32
}

const (
	H2HeaderTableSize      uint16 = 0x1
	H2EnablePush           uint16 = 0x2
	H2MaxConcurrentStreams uint16 = 0x3
	H2InitialWindowSize    uint16 = 0x4
	H2MaxFrameSize         uint16 = 0x5
	H2MaxHeaderListSize    uint16 = 0x6
)

// Profile is an immutable browser fingerprint
type Profile struct {
	Name     string
	Browser  string
	Platform string

	// HelloID is the uTLS template that fixes cipher and extension order
	HelloID utls.ClientHelloID
	JA3     string

	// Ciphers lists the TLS 1.2 suites in browser order (OpenSSL names)
	Ciphers []string

	UserAgent   string
	Headers     []types.Header
	HeaderOrder []string

	HTTP2      bool
	H2Settings []H2Setting

	// CipherShuffle marks families whose cipher order varies in the wild
	CipherShuffle bool
	UAVariance    bool
}

// H2Value returns the SETTINGS value for id, or 0 when not set
func (p *Profile) H2Value(id uint16) uint32 {
	for _, s := range p.H2Settings {
		if s.ID == id {
			return s.Val
		}
	}
	return 0
}

func (p *Profile) clone() *Profile {
	c := *p
	c.Ciphers = append([]string(nil), p.Ciphers...)
	c.Headers = append([]types.Header(nil), p.Headers...)
	c.HeaderOrder = append([]string(nil), p.HeaderOrder...)
	c.H2Settings = append([]H2Setting(nil), p.H2Settings...)
	return &c
}

// Registry is a read-only lookup of profiles by name
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry builds a registry, rejecting duplicate names
func NewRegistry(list ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(list))}
	for _, p := range list {
		if p == nil || p.Name == "" {
			return nil, fmt.Errorf("profile without name")
		}
		if _, exists := r.profiles[p.Name]; exists {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		r.profiles[p.Name] = p
	}
	return r, nil
}

// Alias registers an extra name for an existing profile
func (r *Registry) Alias(alias, target string) error {
	p, ok := r.profiles[target]
	if !ok {
		return fmt.Errorf("alias %q: unknown profile %q", alias, target)
	}
	if _, exists := r.profiles[alias]; exists {
		return fmt.Errorf("alias %q already defined", alias)
	}
	r.profiles[alias] = p
	return nil
}

// Get returns the profile registered under name
func (r *Registry) Get(name string) (*Profile, bool) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// MustGet is Get for names known at compile time
func (r *Registry) MustGet(name string) *Profile {
	p, ok := r.Get(name)
	if !ok {
		panic("profiles: unknown profile " + name)
	}
	return p
}

// Names returns every registered name, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ByBrowser returns the sorted names whose profile belongs to browser
func (r *Registry) ByBrowser(browser string) []string {
	browser = strings.ToLower(browser)
	var names []string
	for _, n := range r.Names() {
		if r.profiles[n].Browser == browser {
			names = append(names, n)
		}
	}
	return names
}

// Resolve maps names to profiles, failing on the first unknown one
func (r *Registry) Resolve(names []string) ([]*Profile, error) {
	out := make([]*Profile, 0, len(names))
	for _, n := range names {
		p, ok := r.Get(n)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the built-in catalog
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := NewRegistry(catalog()...)
		if err != nil {
			panic(err)
		}
		for alias, target := range aliases {
			if err := r.Alias(alias, target); err != nil {
				panic(err)
			}
		}
		defaultRegistry = r
	})
	return defaultRegistry
}
