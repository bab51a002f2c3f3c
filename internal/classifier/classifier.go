// Package classifier decides whether an exchange was blocked.
//
// Rules are evaluated in a fixed order and the first match wins:
// transport failure, block status, body or header marker, then the
// pluggable detectors. Everything else is ok.
package classifier

import (
	"bytes"
	"strings"

	"github.com/tls-chameleon/internal/presets"
	"github.com/tls-chameleon/internal/types"
)

// DefaultSnippetSize is how much of the body is searched for markers
const DefaultSnippetSize = 16 * 1024

// Detector is a site-specific block check. Returning true means blocked.
type Detector func(ex *types.Exchange) bool

// Rules is the classifier configuration. The zero value blocks nothing
// except transport failures.
type Rules struct {
	Statuses map[int]bool
	// BodyMarkers are matched case-insensitively against the body snippet
	BodyMarkers []string
	// HeaderMarkers maps a header name to a lowercase substring of its
	// value; an empty substring matches on presence
	HeaderMarkers map[string]string
	SnippetSize   int
	Detectors     []Detector
}

// DefaultRules returns the generic challenge heuristics
func DefaultRules() *Rules {
	return &Rules{
		Statuses: map[int]bool{403: true, 429: true, 503: true, 1020: true},
		BodyMarkers: []string{
			"access denied",
			"error 1020",
			"attention required",
			"bot detected",
			"cf-captcha-container",
			"captcha-delivery.com",
		},
		HeaderMarkers: map[string]string{},
		SnippetSize:   DefaultSnippetSize,
	}
}

// Merge returns a copy of r extended with the preset's markers
func (r *Rules) Merge(p *presets.SitePreset) *Rules {
	out := r.clone()
	if p == nil {
		return out
	}
	for _, code := range p.BlockStatuses {
		out.Statuses[code] = true
	}
	out.BodyMarkers = appendUnique(out.BodyMarkers, p.BlockMarkers...)
	for name, sub := range p.BlockHeaders {
		out.HeaderMarkers[strings.ToLower(name)] = strings.ToLower(sub)
	}
	return out
}

// WithDetector returns a copy of r with d appended
func (r *Rules) WithDetector(d Detector) *Rules {
	out := r.clone()
	if d != nil {
		out.Detectors = append(out.Detectors, d)
	}
	return out
}

func (r *Rules) clone() *Rules {
	out := &Rules{
		Statuses:      make(map[int]bool, len(r.Statuses)),
		BodyMarkers:   make([]string, 0, len(r.BodyMarkers)),
		HeaderMarkers: make(map[string]string, len(r.HeaderMarkers)),
		SnippetSize:   r.SnippetSize,
		Detectors:     append([]Detector(nil), r.Detectors...),
	}
	for k, v := range r.Statuses {
		out.Statuses[k] = v
	}
	for _, m := range r.BodyMarkers {
		out.BodyMarkers = append(out.BodyMarkers, strings.ToLower(m))
	}
	for k, v := range r.HeaderMarkers {
		out.HeaderMarkers[strings.ToLower(k)] = strings.ToLower(v)
	}
	return out
}

func appendUnique(list []string, more ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		seen[s] = true
	}
	for _, s := range more {
		s = strings.ToLower(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		list = append(list, s)
	}
	return list
}

// Classify judges one attempt. It never mutates its inputs.
func (r *Rules) Classify(ex *types.Exchange, transportErr error) types.Verdict {
	if transportErr != nil || ex == nil {
		return types.VerdictTransportError
	}

	if r.Statuses[ex.StatusCode] {
		return types.VerdictBlocked
	}

	if r.matchBody(ex.Body) || r.matchHeaders(ex) {
		return types.VerdictBlocked
	}

	for _, d := range r.Detectors {
		if runDetector(d, ex) {
			return types.VerdictBlocked
		}
	}

	return types.VerdictOK
}

func (r *Rules) matchBody(body []byte) bool {
	if len(body) == 0 || len(r.BodyMarkers) == 0 {
		return false
	}
	size := r.SnippetSize
	if size <= 0 {
		size = DefaultSnippetSize
	}
	if len(body) > size {
		body = body[:size]
	}
	snippet := bytes.ToLower(body)
	for _, m := range r.BodyMarkers {
		if m != "" && bytes.Contains(snippet, []byte(strings.ToLower(m))) {
			return true
		}
	}
	return false
}

func (r *Rules) matchHeaders(ex *types.Exchange) bool {
	if ex.Header == nil {
		return false
	}
	for name, sub := range r.HeaderMarkers {
		values := ex.Header.Values(name)
		if len(values) == 0 {
			continue
		}
		if sub == "" {
			return true
		}
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), strings.ToLower(sub)) {
				return true
			}
		}
	}
	return false
}

// a panicking detector counts as no match
func runDetector(d Detector, ex *types.Exchange) (blocked bool) {
	defer func() {
		if recover() != nil {
			blocked = false
		}
	}()
	return d(ex)
}
