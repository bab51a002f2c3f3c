package checker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tls-chameleon/internal/config"
	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/types"
)

type fakeRecorder struct {
	mu      sync.Mutex
	success int
	failure int
	health  map[types.HealthState]int
}

func (f *fakeRecorder) RecordCheckSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success++
}

func (f *fakeRecorder) RecordCheckFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure++
}

func (f *fakeRecorder) RecordCheckDuration(float64) {}

func (f *fakeRecorder) SetProxyHealth(c map[types.HealthState]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = c
}

// deadAddr returns a loopback address nothing listens on
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func proxyServer(t *testing.T, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func testConfig(mode string) config.CheckerConfig {
	return config.CheckerConfig{
		TimeoutMs:   2000,
		Concurrency: 4,
		Mode:        mode,
		TestURL:     "http://probe.invalid/generate_204",
	}
}

func TestCheckPoolFullHTTP(t *testing.T) {
	good := proxyServer(t, http.StatusNoContent)
	blocked := proxyServer(t, http.StatusForbidden)
	pool, err := proxypool.New([]string{good, blocked, deadAddr(t)})
	require.NoError(t, err)

	rec := &fakeRecorder{}
	results, err := NewChecker(testConfig(ModeFullHTTP), rec, false).CheckPool(context.Background(), pool)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Alive)
	assert.Equal(t, types.HealthHealthy, results[0].Health)
	assert.False(t, results[1].Alive)
	assert.Equal(t, "HTTP 403", results[1].Error)
	assert.Equal(t, types.HealthSuspect, results[1].Health)
	assert.Equal(t, "connect failed", results[2].Error)

	assert.Equal(t, 1, rec.success)
	assert.Equal(t, 2, rec.failure)
	assert.Equal(t, 1, rec.health[types.HealthHealthy])
	assert.Equal(t, 2, rec.health[types.HealthSuspect])
}

func TestCheckPoolConnectOnly(t *testing.T) {
	blocked := proxyServer(t, http.StatusForbidden)
	pool, err := proxypool.New([]string{blocked, deadAddr(t)})
	require.NoError(t, err)

	results, err := NewChecker(testConfig(ModeConnectOnly), nil, false).CheckPool(context.Background(), pool)
	require.NoError(t, err)
	assert.True(t, results[0].Alive)
	assert.False(t, results[1].Alive)
}

func TestRepeatedFailuresKillEntry(t *testing.T) {
	pool, err := proxypool.New([]string{deadAddr(t)})
	require.NoError(t, err)

	c := NewChecker(testConfig(ModeConnectOnly), nil, false)
	for i := 0; i < proxypool.DeadAfter; i++ {
		_, err := c.CheckPool(context.Background(), pool)
		require.NoError(t, err)
	}
	assert.True(t, pool.IsDead(0))
}

func TestCheckPoolCancelledLeavesHealth(t *testing.T) {
	pool, err := proxypool.New([]string{deadAddr(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewChecker(testConfig(ModeFullHTTP), nil, false).CheckPool(ctx, pool)
	assert.ErrorIs(t, err, context.Canceled)

	e, _ := pool.Entry(0)
	assert.Equal(t, types.HealthUnknown, e.Health)
}

func TestProbeTransportSchemes(t *testing.T) {
	for _, raw := range []string{"http://h:1", "https://h:1", "socks5://u:p@h:1", "socks5h://h:1"} {
		u, err := proxypool.Parse(raw)
		require.NoError(t, err)
		tr, err := probeTransport(u, time.Second, false)
		require.NoError(t, err, raw)
		assert.NotNil(t, tr.DialContext, raw)
	}
}
