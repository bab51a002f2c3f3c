package checker

import (
	"context"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/proxypool"
)

// connectFilter reports, per entry, whether a TCP connection to the proxy
// itself could be opened. It is the whole probe in connect-only mode and
// a pre-filter before the HTTP probe otherwise.
func connectFilter(ctx context.Context, entries []proxypool.Entry, timeout time.Duration, concurrency int) []bool {
	reachable := make([]bool, len(entries))
	if len(entries) == 0 {
		return reachable
	}

	log.Infof("Starting TCP filter: %d proxies, concurrency=%d, timeout=%v",
		len(entries), concurrency, timeout)

	startTime := time.Now()
	sem := make(chan struct{}, concurrency)

	var completed, successful atomic.Int64
	stopProgress := logProgress("TCP filter", len(entries), &completed)
	defer stopProgress()

	var wg sync.WaitGroup
	for i, e := range entries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return reachable
		}
		wg.Add(1)

		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			if testTCPConnection(ctx, addr, timeout) {
				reachable[i] = true
				successful.Add(1)
			}
			completed.Add(1)
		}(i, e.URL.Host)
	}
	wg.Wait()

	duration := time.Since(startTime)
	log.Infof("TCP filter complete: %d/%d connectable in %v",
		successful.Load(), len(entries), duration)

	return reachable
}

func testTCPConnection(ctx context.Context, address string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// logProgress logs every 5s until the returned func is called
func logProgress(stage string, total int, completed *atomic.Int64) func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				current := completed.Load()
				percent := float64(current) / float64(total) * 100.0
				log.Infof("%s progress: %d/%d (%.1f%%), goroutines=%d",
					stage, current, total, percent, runtime.NumGoroutine())
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
