package proxypool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tls-chameleon/internal/types"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1.2.3.4:8080", want: "http://1.2.3.4:8080"},
		{in: "socks5://user:pw@10.0.0.1:1080", want: "socks5://user:pw@10.0.0.1:1080"},
		{in: " https://proxy.example:443/ignored ", want: "https://proxy.example:443"},
		{in: "socks5h://h:1", want: "socks5h://h:1"},
		{in: "ftp://1.2.3.4:21", wantErr: true},
		{in: "1.2.3.4", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		u, err := Parse(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, u.String())
	}
}

func TestParseListReturnsConfigurationError(t *testing.T) {
	_, err := ParseList([]string{"1.2.3.4:80", "nonsense"})
	var cfgErr *types.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "proxies[1]", cfgErr.Field)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "http://bob:***@h:1", Redact("http://bob:secret@h:1"))
	assert.Equal(t, "socks5://bob@h:1", Redact("socks5://bob@h:1"))
	assert.Equal(t, "http://h:1", Redact("http://h:1"))
}

func TestNewDedupes(t *testing.T) {
	p, err := New([]string{"1.1.1.1:80", "http://1.1.1.1:80", "2.2.2.2:80"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 1, p.Add("2.2.2.2:80", "3.3.3.3:80", "bad"))
	assert.Equal(t, 3, p.Len())
}

func TestNextSkipsDead(t *testing.T) {
	p, err := New([]string{"a:1", "b:1", "c:1"})
	require.NoError(t, err)

	for i := 0; i < DeadAfter; i++ {
		p.MarkFailure(1)
	}
	assert.True(t, p.IsDead(1))

	i, err := p.Next(0)
	require.NoError(t, err)
	assert.Equal(t, 2, i)

	i, err = p.Next(2)
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	i, err = p.Next(-1)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
}

func TestSuspectThenDead(t *testing.T) {
	p, err := New([]string{"a:1"})
	require.NoError(t, err)

	assert.Equal(t, types.HealthSuspect, p.MarkFailure(0))
	assert.Equal(t, types.HealthSuspect, p.MarkFailure(0))
	p.MarkSuccess(0)
	e, _ := p.Entry(0)
	assert.Equal(t, types.HealthHealthy, e.Health)
	assert.Zero(t, e.Suspects)

	p.MarkFailure(0)
	p.MarkFailure(0)
	assert.Equal(t, types.HealthDead, p.MarkFailure(0))
	assert.Equal(t, types.HealthDead, p.MarkFailure(0))
}

func killAll(p *Pool) {
	for i := 0; i < p.Len(); i++ {
		for k := 0; k < DeadAfter; k++ {
			p.MarkFailure(i)
		}
	}
}

func TestRecoveryOnceThenExhausted(t *testing.T) {
	p, err := New([]string{"a:1", "b:1", "c:1"})
	require.NoError(t, err)

	killAll(p)
	i, err := p.Next(2)
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	for _, e := range p.Entries() {
		assert.Equal(t, types.HealthUnknown, e.Health)
	}

	killAll(p)
	_, err = p.Next(0)
	var exhausted *types.ProxyPoolExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Size)
	assert.ErrorIs(t, err, types.ErrNoProxyAvailable)

	p.Reset()
	i, err = p.Next(0)
	require.NoError(t, err)
	assert.Equal(t, 1, i)
}

func TestSuccessRearmsRecovery(t *testing.T) {
	p, err := New([]string{"a:1", "b:1"})
	require.NoError(t, err)

	killAll(p)
	_, err = p.Next(-1)
	require.NoError(t, err)

	p.MarkSuccess(0)
	killAll(p)
	_, err = p.Next(-1)
	assert.NoError(t, err)
}

func TestEmptyPoolIsExhausted(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)
	_, err = p.Next(-1)
	assert.ErrorIs(t, err, types.ErrNoProxyAvailable)
}

func TestSnapshotRestore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p, err := New([]string{"a:1", "b:1"})
	require.NoError(t, err)
	p.now = func() time.Time { return now }

	p.MarkSuccess(0)
	p.MarkFailure(1)
	snap := p.Snapshot()
	require.Len(t, snap.Proxies, 2)
	assert.Equal(t, "http://a:1", snap.Proxies[0].Proxy)

	q, err := New([]string{"b:1", "c:1"})
	require.NoError(t, err)
	q.now = func() time.Time { return now.Add(30 * time.Minute) }
	assert.Equal(t, 1, q.Restore(snap, time.Hour))
	e, _ := q.Entry(0)
	assert.Equal(t, types.HealthSuspect, e.Health)
	assert.Equal(t, 1, e.Suspects)

	stale, err := New([]string{"b:1"})
	require.NoError(t, err)
	stale.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.Zero(t, stale.Restore(snap, time.Hour))
}

func TestCounts(t *testing.T) {
	p, err := New([]string{"a:1", "b:1", "c:1"})
	require.NoError(t, err)
	p.MarkSuccess(0)
	p.MarkFailure(1)

	c := p.Counts()
	assert.Equal(t, 1, c[types.HealthHealthy])
	assert.Equal(t, 1, c[types.HealthSuspect])
	assert.Equal(t, 1, c[types.HealthUnknown])
	assert.Equal(t, 0, c[types.HealthDead])
}
