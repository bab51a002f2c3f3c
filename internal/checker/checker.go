// Package checker probes the shared proxy pool ahead of use and feeds the
// results into the same health transitions rotation uses.
package checker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/config"
	"github.com/tls-chameleon/internal/proxypool"
	"github.com/tls-chameleon/internal/types"
)

const (
	ModeConnectOnly = "connect-only"
	ModeFullHTTP    = "full-http"
)

// Recorder is the metrics surface the checker reports to
type Recorder interface {
	RecordCheckSuccess()
	RecordCheckFailure()
	RecordCheckDuration(seconds float64)
	SetProxyHealth(counts map[types.HealthState]int)
}

type Checker struct {
	config   config.CheckerConfig
	recorder Recorder
	insecure bool
	running  atomic.Bool
}

type CheckResult struct {
	Proxy     string            `json:"proxy"`
	Alive     bool              `json:"alive"`
	LatencyMs int64             `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
	Health    types.HealthState `json:"health"`
}

// NewChecker accepts a nil recorder. insecure skips certificate checks
// on https test URLs.
func NewChecker(cfg config.CheckerConfig, recorder Recorder, insecure bool) *Checker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFullHTTP
	}
	return &Checker{config: cfg, recorder: recorder, insecure: insecure}
}

func (c *Checker) timeout() time.Duration {
	return time.Duration(c.config.TimeoutMs) * time.Millisecond
}

// ErrCheckRunning is returned when a pool check is already in progress
var ErrCheckRunning = errors.New("proxy check already running")

// CheckPool probes every entry of pool and marks each one healthy or
// suspect. Results are in pool order.
func (c *Checker) CheckPool(ctx context.Context, pool *proxypool.Pool) ([]CheckResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCheckRunning
	}
	defer c.running.Store(false)

	entries := pool.Entries()
	log.Infof("Starting proxy check: %d proxies, mode=%s, concurrency=%d",
		len(entries), c.config.Mode, c.config.Concurrency)
	startTime := time.Now()

	results := make([]CheckResult, len(entries))
	reachable := connectFilter(ctx, entries, c.timeout(), c.config.Concurrency)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var completed atomic.Int64
	stopProgress := logProgress("Proxy check", len(entries), &completed)
	defer stopProgress()

	sem := make(chan struct{}, c.config.Concurrency)
	var wg sync.WaitGroup
	for i, e := range entries {
		if !reachable[i] {
			results[i] = CheckResult{Proxy: e.Display, Error: "connect failed"}
			completed.Add(1)
			continue
		}
		if c.config.Mode == ModeConnectOnly {
			results[i] = CheckResult{Proxy: e.Display, Alive: true}
			completed.Add(1)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(i int, e proxypool.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.CheckEntry(ctx, e)
			completed.Add(1)
		}(i, e)
	}
	wg.Wait()

	// a cancelled run says nothing about the proxies
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	alive := 0
	for i := range results {
		r := &results[i]
		if r.Alive {
			alive++
			pool.MarkSuccess(i)
			r.Health = types.HealthHealthy
		} else {
			r.Health = pool.MarkFailure(i)
		}
		c.record(*r)
	}
	if c.recorder != nil {
		c.recorder.SetProxyHealth(pool.Counts())
	}

	log.Infof("Check complete: %d/%d alive in %v", alive, len(entries), time.Since(startTime))
	return results, nil
}

func (c *Checker) record(r CheckResult) {
	if c.recorder == nil {
		return
	}
	if r.Alive {
		c.recorder.RecordCheckSuccess()
		c.recorder.RecordCheckDuration(float64(r.LatencyMs) / 1000.0)
	} else {
		c.recorder.RecordCheckFailure()
	}
}

// CheckEntry sends one test request through the proxy. 2xx and 3xx count
// as alive. The pool is not touched.
func (c *Checker) CheckEntry(ctx context.Context, e proxypool.Entry) CheckResult {
	startTime := time.Now()
	result := CheckResult{Proxy: e.Display}

	transport, err := probeTransport(e.URL, c.timeout(), c.insecure)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.config.TestURL, nil)
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		return result
	}

	resp, err := client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request: %v", err)
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		result.Alive = true
		result.LatencyMs = time.Since(startTime).Milliseconds()
		return result
	}

	result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return result
}

// Run checks pool every interval until ctx ends
func (c *Checker) Run(ctx context.Context, pool *proxypool.Pool) {
	interval := time.Duration(c.config.IntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.CheckPool(ctx, pool); err != nil && ctx.Err() == nil {
				log.Warnf("Proxy check failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func tlsConfig(insecure bool) *tls.Config {
	return &tls.Config{InsecureSkipVerify: insecure}
}
