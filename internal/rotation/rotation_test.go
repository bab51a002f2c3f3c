package rotation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/session"
	"github.com/tls-chameleon/internal/types"
)

func newSession(t *testing.T, opts session.Options) *session.State {
	t.Helper()
	s, err := session.New(opts, session.Deps{})
	require.NoError(t, err)
	require.NoError(t, Initial(s))
	return s
}

func TestProfileRoundRobinCloses(t *testing.T) {
	s := newSession(t, session.Options{RotateProfiles: []string{"chrome_124", "firefox_120", "safari_ios17"}})

	seen := []string{}
	for i := 0; i < 3; i++ {
		used := s.Selection()
		seen = append(seen, used.Profile.Name)
		act, err := Decide(s, used, types.VerdictBlocked, s.Mode())
		require.NoError(t, err)
		assert.True(t, act.ProfileRotated)
		assert.False(t, act.ProxyRotated)
	}

	assert.Equal(t, []string{"chrome_124_win11", "firefox_120_win11", "safari_ios17"}, seen)
	assert.Equal(t, 0, s.Selection().ProfileIndex)
	assert.Equal(t, 3, s.Stats().Rotations)
}

func TestOkClearsProxyAndKeepsSelection(t *testing.T) {
	s := newSession(t, session.Options{OnBlock: "both", RotateProfiles: []string{"chrome_124", "firefox_120"}, Proxies: []string{"a:1", "b:1"}})

	used := s.Selection()
	act, err := Decide(s, used, types.VerdictBlocked, s.Mode())
	require.NoError(t, err)
	assert.True(t, act.ProfileRotated)
	assert.True(t, act.ProxyRotated)
	assert.Equal(t, types.HealthSuspect, act.ProxyHealth)

	used = s.Selection()
	assert.Equal(t, 1, used.ProfileIndex)
	assert.Equal(t, 1, used.ProxyIndex)

	act, err = Decide(s, used, types.VerdictOK, s.Mode())
	require.NoError(t, err)
	assert.False(t, act.Rotated())
	assert.Equal(t, types.HealthHealthy, act.ProxyHealth)
	assert.Equal(t, used.ProfileIndex, s.Selection().ProfileIndex)
	assert.Equal(t, 1, s.Stats().Rotations)
}

func TestProxyModeLeavesProfile(t *testing.T) {
	s := newSession(t, session.Options{OnBlock: "proxy", RotateProfiles: []string{"chrome_124", "firefox_120"}, Proxies: []string{"a:1", "b:1"}})

	used := s.Selection()
	act, err := Decide(s, used, types.VerdictTransportError, s.Mode())
	require.NoError(t, err)
	assert.False(t, act.ProfileRotated)
	assert.True(t, act.ProxyRotated)
	assert.Equal(t, 0, s.Selection().ProfileIndex)
	assert.Equal(t, 1, s.Selection().ProxyIndex)
}

func TestNoneModeTouchesNothing(t *testing.T) {
	s := newSession(t, session.Options{OnBlock: "none", RotateProfiles: []string{"chrome_124", "firefox_120"}, Proxies: []string{"a:1"}})

	used := s.Selection()
	act, err := Decide(s, used, types.VerdictBlocked, s.Mode())
	require.NoError(t, err)
	assert.False(t, act.Rotated())
	e, _ := s.Pool().Entry(0)
	assert.Equal(t, types.HealthUnknown, e.Health)
	assert.Equal(t, 0, s.Selection().ProfileIndex)
}

func TestProxyDeathAndExhaustion(t *testing.T) {
	s := newSession(t, session.Options{OnBlock: "proxy", Proxies: []string{"a:1", "b:1", "c:1"}})

	// three rounds through the pool kill every proxy, the recovery scan
	// revives them once and the next all-dead round is fatal
	var err error
	for i := 0; i < 2*3*proxypool.DeadAfter && err == nil; i++ {
		_, err = Decide(s, s.Selection(), types.VerdictBlocked, s.Mode())
	}

	var exhausted *types.ProxyPoolExhaustedError
	require.True(t, errors.As(err, &exhausted), "got %v", err)
	assert.Equal(t, 3, exhausted.Size)
}

func TestConcurrentRotationDoesNotSkip(t *testing.T) {
	s := newSession(t, session.Options{RotateProfiles: []string{"chrome_124", "firefox_120", "safari_ios17"}})

	// two in-flight requests both used profile 0
	used := s.Selection()
	_, err := Decide(s, used, types.VerdictBlocked, s.Mode())
	require.NoError(t, err)
	act, err := Decide(s, used, types.VerdictBlocked, s.Mode())
	require.NoError(t, err)

	assert.False(t, act.ProfileRotated)
	assert.Equal(t, 1, s.Selection().ProfileIndex)
}

func TestInitialReplacesDeadProxy(t *testing.T) {
	s := newSession(t, session.Options{Proxies: []string{"a:1", "b:1"}})
	assert.Equal(t, 0, s.Selection().ProxyIndex)

	for i := 0; i < proxypool.DeadAfter; i++ {
		s.Pool().MarkFailure(0)
	}
	require.NoError(t, Initial(s))
	assert.Equal(t, 1, s.Selection().ProxyIndex)
}
