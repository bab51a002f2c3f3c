// Package presets holds per-site tuning: retry budget, backoff curve,
// rotation order and extra block markers.
package presets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tls-chameleon/internal/types"
)

// Default is the preset used when a session names none
const Default = "default"

// SitePreset is immutable once registered in a Catalog
type SitePreset struct {
	Name        string
	MaxRetries  int
	BackoffBase time.Duration
	Growth      float64
	BackoffCap  time.Duration
	Jitter      float64

	// Rotation is used when the session gives no rotation list
	Rotation    []string
	HeaderOrder []string
	HTTP2       *bool

	BlockStatuses []int
	BlockMarkers  []string
	// BlockHeaders maps a response header name to a substring of its
	// value. An empty substring matches on presence alone.
	BlockHeaders map[string]string
}

// Validate reports the first invalid field as a ConfigurationError
func (p *SitePreset) Validate() error {
	field := func(name string) string { return "presets." + p.Name + "." + name }
	switch {
	case strings.TrimSpace(p.Name) == "":
		return types.NewConfigError("presets", "preset without name")
	case p.MaxRetries < 0:
		return types.NewConfigError(field("max_retries"), "must be >= 0, got %d", p.MaxRetries)
	case p.BackoffBase <= 0:
		return types.NewConfigError(field("backoff_base"), "must be positive, got %s", p.BackoffBase)
	case p.Growth < 1:
		return types.NewConfigError(field("growth"), "must be >= 1, got %g", p.Growth)
	case p.BackoffCap < p.BackoffBase:
		return types.NewConfigError(field("backoff_cap"), "must be >= backoff_base (%s), got %s", p.BackoffBase, p.BackoffCap)
	case p.Jitter < 0 || p.Jitter >= 1:
		return types.NewConfigError(field("jitter"), "must be in [0,1), got %g", p.Jitter)
	}
	for _, code := range p.BlockStatuses {
		if code < 100 || code > 9999 {
			return types.NewConfigError(field("block_statuses"), "bad status %d", code)
		}
	}
	return nil
}

func (p *SitePreset) clone() *SitePreset {
	c := *p
	c.Rotation = append([]string(nil), p.Rotation...)
	c.HeaderOrder = append([]string(nil), p.HeaderOrder...)
	c.BlockStatuses = append([]int(nil), p.BlockStatuses...)
	c.BlockMarkers = append([]string(nil), p.BlockMarkers...)
	if p.HTTP2 != nil {
		v := *p.HTTP2
		c.HTTP2 = &v
	}
	if p.BlockHeaders != nil {
		c.BlockHeaders = make(map[string]string, len(p.BlockHeaders))
		for k, v := range p.BlockHeaders {
			c.BlockHeaders[k] = v
		}
	}
	return &c
}

func boolPtr(b bool) *bool { return &b }

// Builtin returns fresh copies of the shipped presets
func Builtin() []*SitePreset {
	return []*SitePreset{
		{
			Name:        Default,
			MaxRetries:  2,
			BackoffBase: time.Second,
			Growth:      2,
			BackoffCap:  30 * time.Second,
			Jitter:      0.2,
		},
		{
			Name:          "cloudflare",
			MaxRetries:    3,
			BackoffBase:   800 * time.Millisecond,
			Growth:        2,
			BackoffCap:    20 * time.Second,
			Jitter:        0.4,
			Rotation:      []string{"chrome_124", "chrome_120", "mobile_safari_17"},
			HeaderOrder:   []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding", "Connection"},
			HTTP2:         boolPtr(true),
			BlockStatuses: []int{1020},
			BlockMarkers: []string{
				"just a moment...",
				"cf-chl-",
				"challenge-platform",
				"cf_chl_opt",
				"checking your browser",
			},
			BlockHeaders: map[string]string{"cf-mitigated": "challenge"},
		},
		{
			Name:        "akamai",
			MaxRetries:  3,
			BackoffBase: time.Second,
			Growth:      2,
			BackoffCap:  30 * time.Second,
			Jitter:      0.5,
			Rotation:    []string{"chrome_124", "firefox_120", "mobile_safari_17"},
			HTTP2:       boolPtr(true),
			BlockMarkers: []string{
				"errors.edgesuite.net",
				"_abck",
				"reference&#32;&#35;",
			},
			BlockHeaders: map[string]string{"server": "akamaighost"},
		},
	}
}

// Catalog is a concurrency-safe set of presets keyed by lowercase name
type Catalog struct {
	mu      sync.RWMutex
	presets map[string]*SitePreset
}

// NewCatalog returns a catalog holding the built-in presets
func NewCatalog() *Catalog {
	c := &Catalog{presets: make(map[string]*SitePreset)}
	for _, p := range Builtin() {
		c.presets[p.Name] = p
	}
	return c
}

// Register validates p and adds it, replacing any preset of the same name
func (c *Catalog) Register(p *SitePreset) error {
	if p == nil {
		return types.NewConfigError("presets", "nil preset")
	}
	p = p.clone()
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.presets[p.Name] = p
	c.mu.Unlock()
	return nil
}

// Lookup returns the preset for name; empty means Default
func (c *Catalog) Lookup(name string) (*SitePreset, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = Default
	}

	c.mu.RLock()
	p, ok := c.presets[key]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewConfigError("site_preset", "unknown preset %q", name)
	}
	return p, nil
}

// Names returns the registered preset names, sorted
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.presets))
	for n := range c.presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *SitePreset) String() string {
	return fmt.Sprintf("%s(retries=%d base=%s cap=%s)", p.Name, p.MaxRetries, p.BackoffBase, p.BackoffCap)
}
