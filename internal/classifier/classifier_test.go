package classifier

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tls-chameleon/internal/presets"
	"github.com/tls-chameleon/internal/types"
)

func exchange(status int, body string, header http.Header) *types.Exchange {
	return &types.Exchange{StatusCode: status, Body: []byte(body), Header: header}
}

func TestClassifyDefaults(t *testing.T) {
	r := DefaultRules()

	cases := []struct {
		name string
		ex   *types.Exchange
		err  error
		want types.Verdict
	}{
		{"transport error", nil, errors.New("reset"), types.VerdictTransportError},
		{"nil exchange", nil, nil, types.VerdictTransportError},
		{"error wins over ok status", exchange(200, "", nil), errors.New("eof"), types.VerdictTransportError},
		{"403", exchange(403, "", nil), nil, types.VerdictBlocked},
		{"429", exchange(429, "", nil), nil, types.VerdictBlocked},
		{"503", exchange(503, "", nil), nil, types.VerdictBlocked},
		{"1020", exchange(1020, "", nil), nil, types.VerdictBlocked},
		{"body marker", exchange(200, "<title>Attention Required! | Cloudflare</title>", nil), nil, types.VerdictBlocked},
		{"clean 200", exchange(200, "<html>hello</html>", nil), nil, types.VerdictOK},
		{"404 is not a block", exchange(404, "not found", nil), nil, types.VerdictOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Classify(tc.ex, tc.err))
		})
	}
}

func TestMarkerBeyondSnippetIgnored(t *testing.T) {
	r := DefaultRules()
	r.SnippetSize = 64
	body := strings.Repeat("a", 100) + "access denied"
	assert.Equal(t, types.VerdictOK, r.Classify(exchange(200, body, nil), nil))
}

func TestMergePreset(t *testing.T) {
	c := presets.NewCatalog()
	cf, err := c.Lookup("cloudflare")
	require.NoError(t, err)

	base := DefaultRules()
	r := base.Merge(cf)

	h := http.Header{}
	h.Set("Cf-Mitigated", "Challenge")
	assert.Equal(t, types.VerdictBlocked, r.Classify(exchange(200, "", h), nil))
	assert.Equal(t, types.VerdictBlocked, r.Classify(exchange(200, "<title>Just a moment...</title>", nil), nil))

	// base rules stay untouched
	assert.Equal(t, types.VerdictOK, base.Classify(exchange(200, "", h), nil))
	assert.Equal(t, types.VerdictOK, base.Classify(exchange(200, "just a moment...", nil), nil))
}

func TestHeaderPresenceMarker(t *testing.T) {
	r := DefaultRules()
	r.HeaderMarkers["x-datadome"] = ""
	h := http.Header{}
	h.Set("X-DataDome", "protected")
	assert.Equal(t, types.VerdictBlocked, r.Classify(exchange(200, "", h), nil))
}

func TestDetectors(t *testing.T) {
	calls := 0
	r := DefaultRules().WithDetector(func(ex *types.Exchange) bool {
		calls++
		return ex.Header.Get("X-Blocked") == "1"
	})

	h := http.Header{}
	h.Set("X-Blocked", "1")
	assert.Equal(t, types.VerdictBlocked, r.Classify(exchange(200, "", h), nil))
	assert.Equal(t, types.VerdictOK, r.Classify(exchange(200, "", http.Header{}), nil))

	// status rules short-circuit before detectors run
	before := calls
	r.Classify(exchange(403, "", h), nil)
	assert.Equal(t, before, calls)
}

func TestPanickingDetectorIsNoMatch(t *testing.T) {
	r := DefaultRules().WithDetector(func(*types.Exchange) bool { panic("boom") })
	assert.Equal(t, types.VerdictOK, r.Classify(exchange(200, "", nil), nil))
}

func TestZeroRulesOnlyFlagTransport(t *testing.T) {
	var r Rules
	assert.Equal(t, types.VerdictOK, r.Classify(exchange(403, "access denied", nil), nil))
	assert.Equal(t, types.VerdictTransportError, r.Classify(nil, errors.New("x")))
}
