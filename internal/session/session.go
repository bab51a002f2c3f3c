// Package session holds per-session evasion state: the profile rotation
// list, the proxy pool and the cookie jar. Every field is guarded by the
// session mutex, so concurrent requests on one session are safe.
package session

import (
	"errors"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/tls-chameleon/internal/classifier"
	"github.com/tls-chameleon/internal/presets"
	"github.com/tls-chameleon/internal/profiles"
	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/types"
)

// Options is the per-session configuration surface
type Options struct {
	Fingerprint      string   `json:"fingerprint"`
	RotateProfiles   []string `json:"rotate_profiles"`
	SitePreset       string   `json:"site"`
	OnBlock          string   `json:"on_block"`
	MaxRetries       *int     `json:"max_retries"`
	Proxies          []string `json:"proxies"`
	SharedPool       bool     `json:"shared_pool"`
	RandomizeCiphers bool     `json:"randomize_ciphers"`
	HTTP2            *bool    `json:"http2"`
	HeaderOrder      []string `json:"header_order"`
	Seed             int64    `json:"seed"`
}

// Deps are the process-wide collaborators a session is built from
type Deps struct {
	Profiles   *profiles.Registry
	Presets    *presets.Catalog
	Rules      *classifier.Rules
	SharedPool *proxypool.Pool
}

func (d Deps) withDefaults() Deps {
	if d.Profiles == nil {
		d.Profiles = profiles.Default()
	}
	if d.Presets == nil {
		d.Presets = presets.NewCatalog()
	}
	if d.Rules == nil {
		d.Rules = classifier.DefaultRules()
	}
	return d
}

// Selection is the (profile, proxy) pair an attempt is made with
type Selection struct {
	ProfileIndex int
	Profile      *profiles.Profile
	ProxyIndex   int
	// Proxy is nil for direct connections
	Proxy *proxypool.Entry
}

// Stats are the cumulative counters of a session
type Stats struct {
	Attempts  int `json:"attempts"`
	Blocks    int `json:"blocks"`
	Rotations int `json:"rotations"`
}

type State struct {
	ID      string
	Created time.Time

	preset      *presets.SitePreset
	mode        types.RotationMode
	maxRetries  int
	rules       *classifier.Rules
	http2       *bool
	headerOrder []string
	randomize   bool
	pool        *proxypool.Pool
	sharedPool  bool

	mu         sync.Mutex
	profiles   []*profiles.Profile
	profileIdx int
	startIdx   int
	proxyIdx   int
	stats      Stats
	jar        http.CookieJar
}

// New validates opts and builds a session. Every misconfiguration is
// reported here as a *types.ConfigurationError.
func New(opts Options, deps Deps) (*State, error) {
	deps = deps.withDefaults()

	preset, err := deps.Presets.Lookup(opts.SitePreset)
	if err != nil {
		return nil, err
	}

	mode, err := types.ParseRotationMode(opts.OnBlock)
	if err != nil {
		return nil, types.NewConfigError("on_block", "%v", err)
	}

	maxRetries := preset.MaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, types.NewConfigError("max_retries", "must be >= 0, got %d", *opts.MaxRetries)
		}
		maxRetries = *opts.MaxRetries
	}

	list, start, err := profileOrder(opts, preset, deps.Profiles)
	if err != nil {
		return nil, err
	}
	if opts.RandomizeCiphers {
		rng := rand.New(rand.NewSource(opts.Seed))
		for i, p := range list {
			list[i] = profiles.Variant(p, rng, true)
		}
	}

	var pool *proxypool.Pool
	switch {
	case len(opts.Proxies) > 0 && opts.SharedPool:
		return nil, types.NewConfigError("proxies", "explicit proxies and shared_pool are exclusive")
	case len(opts.Proxies) > 0:
		if pool, err = proxypool.New(opts.Proxies); err != nil {
			return nil, err
		}
	case opts.SharedPool:
		if deps.SharedPool == nil {
			return nil, types.NewConfigError("shared_pool", "no shared proxy pool configured")
		}
		pool = deps.SharedPool
	}
	if mode.RotatesProxy() && (pool == nil || pool.Len() == 0) {
		return nil, types.NewConfigError("on_block", "mode %s needs at least one proxy", mode)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	return &State{
		ID:          uuid.NewString(),
		Created:     time.Now(),
		preset:      preset,
		mode:        mode,
		maxRetries:  maxRetries,
		rules:       deps.Rules.Merge(preset),
		http2:       opts.HTTP2,
		headerOrder: append([]string(nil), opts.HeaderOrder...),
		randomize:   opts.RandomizeCiphers,
		pool:        pool,
		sharedPool:  opts.SharedPool,
		profiles:    list,
		profileIdx:  start,
		startIdx:    start,
		proxyIdx:    -1,
		jar:         jar,
	}, nil
}

// profileOrder returns the rotation list and the index of the starting
// fingerprint within it
func profileOrder(opts Options, preset *presets.SitePreset, reg *profiles.Registry) ([]*profiles.Profile, int, error) {
	var first *profiles.Profile
	if opts.Fingerprint != "" {
		p, ok := reg.Get(opts.Fingerprint)
		if !ok {
			return nil, 0, types.NewConfigError("fingerprint", "unknown profile %q", opts.Fingerprint)
		}
		first = p
	}

	names := opts.RotateProfiles
	field := "rotate_profiles"
	if len(names) == 0 {
		names = preset.Rotation
		field = "presets." + preset.Name + ".rotation"
	}

	if len(names) > 0 {
		resolved, err := reg.Resolve(names)
		if err != nil {
			return nil, 0, types.NewConfigError(field, "%v", err)
		}
		list := dedupeProfiles(resolved)
		if first == nil {
			return list, 0, nil
		}
		for i, p := range list {
			if p.Name == first.Name {
				return list, i, nil
			}
		}
		return append([]*profiles.Profile{first}, list...), 0, nil
	}

	if first == nil {
		first = reg.MustGet(profiles.DefaultProfile)
	}

	var rest []string
	for _, n := range reg.Names() {
		p, _ := reg.Get(n)
		// skip aliases and the starting profile
		if p.Name != n || p.Name == first.Name {
			continue
		}
		rest = append(rest, n)
	}
	sort.Strings(rest)
	if opts.Seed != 0 {
		rng := rand.New(rand.NewSource(opts.Seed))
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	}

	list := []*profiles.Profile{first}
	for _, n := range rest {
		list = append(list, reg.MustGet(n))
	}
	return list, 0, nil
}

// dedupeProfiles drops entries whose canonical name already appeared, so
// aliases of one profile never count as a rotation.
func dedupeProfiles(in []*profiles.Profile) []*profiles.Profile {
	seen := make(map[string]bool, len(in))
	out := make([]*profiles.Profile, 0, len(in))
	for _, p := range in {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out
}

func (s *State) Preset() *presets.SitePreset { return s.preset }

func (s *State) Mode() types.RotationMode { return s.mode }

func (s *State) MaxRetries() int { return s.maxRetries }

func (s *State) Rules() *classifier.Rules { return s.rules }

func (s *State) Pool() *proxypool.Pool { return s.pool }

func (s *State) RandomizeCiphers() bool { return s.randomize }

// Jar returns the session cookie jar. The jar does its own locking.
func (s *State) Jar() http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jar
}

// HTTP2 resolves the HTTP/2 preference: session option, then preset, then
// profile
func (s *State) HTTP2(p *profiles.Profile) bool {
	switch {
	case s.http2 != nil:
		return *s.http2
	case s.preset.HTTP2 != nil:
		return *s.preset.HTTP2 && p.HTTP2
	default:
		return p.HTTP2
	}
}

// HeaderOrder resolves the header order: session option, then preset hint,
// then profile
func (s *State) HeaderOrder(p *profiles.Profile) []string {
	switch {
	case len(s.headerOrder) > 0:
		return s.headerOrder
	case len(s.preset.HeaderOrder) > 0:
		return s.preset.HeaderOrder
	default:
		return p.HeaderOrder
	}
}

// ProfileNames returns the rotation list in order
func (s *State) ProfileNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.profiles))
	for i, p := range s.profiles {
		names[i] = p.Name
	}
	return names
}

// Selection returns the current profile and proxy
func (s *State) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionLocked()
}

func (s *State) selectionLocked() Selection {
	sel := Selection{
		ProfileIndex: s.profileIdx,
		Profile:      s.profiles[s.profileIdx],
		ProxyIndex:   s.proxyIdx,
	}
	if s.pool != nil && s.proxyIdx >= 0 {
		if e, ok := s.pool.Entry(s.proxyIdx); ok {
			sel.Proxy = &e
		}
	}
	return sel
}

// EnsureProxy picks a live proxy when the session has a pool but no
// current proxy, or the current one has died
func (s *State) EnsureProxy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	if s.proxyIdx >= 0 && !s.pool.IsDead(s.proxyIdx) {
		return nil
	}
	next, err := s.pool.Next(s.proxyIdx)
	if err != nil {
		return err
	}
	s.proxyIdx = next
	return nil
}

// AdvanceProfile moves to the profile after used. If another request
// already moved the index away from used, the current index is kept.
func (s *State) AdvanceProfile(used int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.profiles) < 2 || s.profileIdx != used {
		return false
	}
	s.profileIdx = (used + 1) % len(s.profiles)
	return true
}

// AdvanceProxy moves to the next live proxy after used, with the same
// concurrent-move rule as AdvanceProfile
func (s *State) AdvanceProxy(used int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return false, nil
	}
	if s.proxyIdx != used && s.proxyIdx >= 0 && !s.pool.IsDead(s.proxyIdx) {
		return false, nil
	}
	next, err := s.pool.Next(used)
	if err != nil {
		return false, err
	}
	s.proxyIdx = next
	return next != used, nil
}

func (s *State) RecordAttempt(blocked bool) {
	s.mu.Lock()
	s.stats.Attempts++
	if blocked {
		s.stats.Blocks++
	}
	s.mu.Unlock()
}

func (s *State) RecordRotation() {
	s.mu.Lock()
	s.stats.Rotations++
	s.mu.Unlock()
}

func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset clears counters and indices, drops cookies and re-arms a private
// pool. A shared pool is left alone since other sessions depend on it.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
	s.profileIdx = s.startIdx
	s.proxyIdx = -1
	if jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List}); err == nil {
		s.jar = jar
	}
	if s.pool != nil && !s.sharedPool {
		s.pool.Reset()
	}
}

// Info is the JSON view of a session
type Info struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	Preset     string    `json:"site"`
	Mode       string    `json:"on_block"`
	MaxRetries int       `json:"max_retries"`
	Profiles   []string  `json:"profiles"`
	Profile    string    `json:"profile"`
	Proxy      string    `json:"proxy,omitempty"`
	SharedPool bool      `json:"shared_pool"`
	Stats      Stats     `json:"stats"`
}

func (s *State) Info() Info {
	names := s.ProfileNames()

	s.mu.Lock()
	sel := s.selectionLocked()
	stats := s.stats
	s.mu.Unlock()

	info := Info{
		ID:         s.ID,
		Created:    s.Created,
		Preset:     s.preset.Name,
		Mode:       string(s.mode),
		MaxRetries: s.maxRetries,
		Profiles:   names,
		Profile:    sel.Profile.Name,
		SharedPool: s.sharedPool,
		Stats:      stats,
	}
	if sel.Proxy != nil {
		info.Proxy = sel.Proxy.Display
	}
	return info
}

// Registry tracks open sessions by ID
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*State
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults(), sessions: make(map[string]*State)}
}

// ErrSessionLimit is returned by OpenLimited when the registry is full
var ErrSessionLimit = errors.New("session limit reached")

// Open builds and registers a new session
func (r *Registry) Open(opts Options) (*State, error) {
	return r.OpenLimited(opts, 0)
}

// OpenLimited is Open with a cap on live sessions. The count is checked
// under the registry lock. A limit of zero or less means no cap.
func (r *Registry) OpenLimited(opts Options, limit int) (*State, error) {
	s, err := New(opts, r.deps)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.sessions) >= limit {
		return nil, ErrSessionLimit
	}
	r.sessions[s.ID] = s
	return s, nil
}

func (r *Registry) Get(id string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[strings.TrimSpace(id)]
	return s, ok
}

// Close forgets the session; it reports whether it existed
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns the open sessions ordered by creation time
func (r *Registry) List() []*State {
	r.mu.RLock()
	out := make([]*State, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Deps exposes the collaborators sessions are built with
func (r *Registry) Deps() Deps { return r.deps }
