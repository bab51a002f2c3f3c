package profiles

import (
	"crypto/tls"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

var (
	chromeVersionRe  = regexp.MustCompile(`Chrome/(\d+)\.(\d+)\.(\d+)\.(\d+)`)
	firefoxVersionRe = regexp.MustCompile(`Firefox/(\d+)\.(\d+)`)
)

// cipherIDs maps OpenSSL TLS 1.2 names to crypto/tls identifiers. TLS 1.3
// suites are not configurable and are left out on purpose.
var cipherIDs = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// CipherIDs returns the TLS 1.2 suite identifiers of p in profile order
func (p *Profile) CipherIDs() []uint16 {
	ids := make([]uint16, 0, len(p.Ciphers))
	for _, name := range p.Ciphers {
		if id, ok := cipherIDs[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Variant returns a copy of p with small, plausible variations. The
// TLS 1.3 suites keep their leading position when ciphers are shuffled,
// because every real browser offers them first.
func Variant(p *Profile, rng *rand.Rand, shuffleCiphers bool) *Profile {
	v := p.clone()

	if p.UAVariance {
		v.UserAgent = varyUserAgent(v.UserAgent, rng)
	}

	if shuffleCiphers && len(v.Ciphers) > 1 {
		split := 0
		for split < len(v.Ciphers) && strings.HasPrefix(v.Ciphers[split], "TLS_") {
			split++
		}
		tail := v.Ciphers[split:]
		rng.Shuffle(len(tail), func(i, j int) { tail[i], tail[j] = tail[j], tail[i] })
	}

	return v
}

func varyUserAgent(ua string, rng *rand.Rand) string {
	ua = chromeVersionRe.ReplaceAllStringFunc(ua, func(m string) string {
		parts := chromeVersionRe.FindStringSubmatch(m)
		build, _ := strconv.Atoi(parts[3])
		patch, _ := strconv.Atoi(parts[4])
		// reduced UAs ("120.0.0.0") never carry a build number
		if build == 0 {
			return m
		}
		build = maxInt(0, build+rng.Intn(151)-50)
		patch = maxInt(0, patch+rng.Intn(71)-20)
		return "Chrome/" + parts[1] + "." + parts[2] + "." + strconv.Itoa(build) + "." + strconv.Itoa(patch)
	})

	ua = firefoxVersionRe.ReplaceAllStringFunc(ua, func(m string) string {
		parts := firefoxVersionRe.FindStringSubmatch(m)
		minor, _ := strconv.Atoi(parts[2])
		if rng.Float64() < 0.3 {
			minor += rng.Intn(2)
		}
		return "Firefox/" + parts[1] + "." + strconv.Itoa(minor)
	})

	return ua
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
