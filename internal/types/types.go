package types

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Verdict is the block classifier's judgment of one attempt
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictBlocked
	VerdictTransportError
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictBlocked:
		return "blocked"
	case VerdictTransportError:
		return "transport-error"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// HealthState tracks how a proxy has behaved recently
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthSuspect
	HealthDead
)

func (h HealthState) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthSuspect:
		return "suspect"
	case HealthDead:
		return "dead"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HealthState) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "unknown":
		*h = HealthUnknown
	case "healthy":
		*h = HealthHealthy
	case "suspect":
		*h = HealthSuspect
	case "dead":
		*h = HealthDead
	default:
		return fmt.Errorf("unknown health state %q", string(text))
	}
	return nil
}

// RotationMode selects what the rotation policy may change after a block
type RotationMode string

const (
	RotateProfile RotationMode = "rotate-profile"
	RotateProxy   RotationMode = "rotate-proxy"
	RotateBoth    RotationMode = "rotate-both"
	RotateNone    RotationMode = "none"
)

// ParseRotationMode accepts the canonical names plus the short aliases
// "rotate", "proxy" and "both". Empty means rotate-profile.
func ParseRotationMode(s string) (RotationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rotate", "rotate-profile", "profile":
		return RotateProfile, nil
	case "proxy", "rotate-proxy":
		return RotateProxy, nil
	case "both", "rotate-both":
		return RotateBoth, nil
	case "none", "off":
		return RotateNone, nil
	default:
		return "", fmt.Errorf("unknown rotation mode %q", s)
	}
}

func (m RotationMode) RotatesProfile() bool {
	return m == RotateProfile || m == RotateBoth
}

func (m RotationMode) RotatesProxy() bool {
	return m == RotateProxy || m == RotateBoth
}

// Header is an ordered name-value pair
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestSpec describes one logical request issued through a session
type RequestSpec struct {
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
	Body    []byte   `json:"body,omitempty"`
}

// Exchange is a completed HTTP exchange, normalized by the transport
// backend that produced it
type Exchange struct {
	StatusCode int           `json:"status_code"`
	Proto      string        `json:"proto"`
	Header     http.Header   `json:"header"`
	Body       []byte        `json:"-"`
	Truncated  bool          `json:"truncated"`
	Elapsed    time.Duration `json:"elapsed"`
	Backend    string        `json:"backend"`
	URL        string        `json:"url"`
}

// Text returns the body as a string
func (e *Exchange) Text() string {
	if e == nil {
		return ""
	}
	return string(e.Body)
}

// AttemptRecord describes one attempt inside a logical request. It is also
// the payload handed to observers.
type AttemptRecord struct {
	Attempt    int           `json:"attempt"`
	Profile    string        `json:"profile"`
	Proxy      string        `json:"proxy,omitempty"`
	Verdict    Verdict       `json:"verdict"`
	StatusCode int           `json:"status_code,omitempty"`
	Delay      time.Duration `json:"delay"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
}

// ProxyHealth is the persisted view of one proxy entry
type ProxyHealth struct {
	Proxy     string      `json:"proxy"`
	Health    HealthState `json:"health"`
	Suspects  int         `json:"suspects"`
	LastCheck time.Time   `json:"last_check"`
}

// PoolSnapshot is a point-in-time copy of a proxy pool's health table
type PoolSnapshot struct {
	Proxies []ProxyHealth `json:"proxies"`
	Updated time.Time     `json:"updated"`
}
