// Package transport performs single HTTP exchanges under a browser
// profile. Two backends exist: "utls" speaks TLS with the profile's
// ClientHello and writes headers in profile order, "standard" uses
// net/http and only approximates the fingerprint through cipher suites.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tls-chameleon/internal/profiles"
	"github.com/tls-chameleon/internal/types"
)

const (
	EngineUTLS     = "utls"
	EngineStandard = "standard"
)

// Call is everything a backend needs for one attempt
type Call struct {
	Profile *profiles.Profile
	// Proxy is nil for direct connections
	Proxy            *url.URL
	Request          types.RequestSpec
	Jar              http.CookieJar
	HeaderOrder      []string
	HTTP2            bool
	RandomizeCiphers bool
}

// Backend performs one exchange. Implementations must honor ctx.
type Backend interface {
	Name() string
	Perform(ctx context.Context, call *Call) (*types.Exchange, error)
}

// Options are shared by both backends
type Options struct {
	DialTimeout        time.Duration
	MaxBodyBytes       int64
	MaxRedirects       int
	InsecureSkipVerify bool
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 8 << 20
	}
	if o.MaxRedirects < 0 {
		o.MaxRedirects = 0
	}
	return o
}

// New returns the backend registered under engine
func New(engine string, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", EngineUTLS:
		return NewUTLS(opts), nil
	case EngineStandard, "net/http":
		return NewStandard(opts), nil
	default:
		return nil, types.NewConfigError("transport.engine", "unknown engine %q", engine)
	}
}

func (c *Call) validate() (*url.URL, error) {
	if c.Profile == nil {
		return nil, fmt.Errorf("call without profile")
	}
	u, err := url.Parse(c.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", c.Request.URL)
	}
	return u, nil
}

func (c *Call) method() string {
	if c.Request.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(c.Request.Method)
}

// redirectTarget returns the next URL and method for a redirect
// response, or nil when resp is not a redirect
func redirectTarget(resp *http.Response, from *url.URL, method string) (*url.URL, string) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil, ""
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, ""
	}
	next, err := from.Parse(loc)
	if err != nil {
		return nil, ""
	}
	switch resp.StatusCode {
	case http.StatusSeeOther:
		method = http.MethodGet
	case http.StatusMovedPermanently, http.StatusFound:
		if method == http.MethodPost {
			method = http.MethodGet
		}
	}
	return next, method
}
