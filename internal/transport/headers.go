package transport

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tls-chameleon/internal/profiles"
	"github.com/tls-chameleon/internal/types"
)

// hop-by-hop and framing headers the backends manage themselves
var managed = map[string]bool{
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
}

// BuildHeaders merges the profile defaults, the profile user agent and
// the request headers. Later sources replace earlier ones by
// case-insensitive name while keeping the first position.
func BuildHeaders(p *profiles.Profile, extra []types.Header) []types.Header {
	out := make([]types.Header, 0, len(p.Headers)+len(extra)+1)
	pos := make(map[string]int)

	set := func(h types.Header) {
		key := strings.ToLower(h.Name)
		if managed[key] {
			return
		}
		if i, ok := pos[key]; ok {
			out[i].Value = h.Value
			return
		}
		pos[key] = len(out)
		out = append(out, h)
	}

	for _, h := range p.Headers {
		set(h)
	}
	if p.UserAgent != "" {
		set(types.Header{Name: "User-Agent", Value: p.UserAgent})
	}
	for _, h := range extra {
		set(h)
	}
	return out
}

// Order sorts headers by their position in order (case-insensitive).
// Unlisted headers keep their relative order after the listed ones.
func Order(headers []types.Header, order []string) []types.Header {
	if len(order) == 0 {
		return headers
	}
	rank := make(map[string]int, len(order))
	for i, name := range order {
		key := strings.ToLower(name)
		if _, dup := rank[key]; !dup {
			rank[key] = i
		}
	}

	out := append([]types.Header(nil), headers...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[strings.ToLower(out[i].Name)]
		rj, jok := rank[strings.ToLower(out[j].Name)]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
	return out
}

// withCookies appends the jar's cookies for u as one Cookie header
func withCookies(headers []types.Header, jar http.CookieJar, u *url.URL) []types.Header {
	if jar == nil {
		return headers
	}
	cookies := jar.Cookies(u)
	if len(cookies) == 0 {
		return headers
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	value := strings.Join(parts, "; ")

	for i, h := range headers {
		if strings.EqualFold(h.Name, "Cookie") {
			out := append([]types.Header(nil), headers...)
			out[i].Value = h.Value + "; " + value
			return out
		}
	}
	return append(headers, types.Header{Name: "Cookie", Value: value})
}

// toHTTPHeader is used where ordering cannot be controlled (HTTP/2 and the
// standard backend)
func toHTTPHeader(headers []types.Header) http.Header {
	h := make(http.Header, len(headers))
	for _, kv := range headers {
		h.Add(kv.Name, kv.Value)
	}
	return h
}
