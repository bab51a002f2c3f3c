// Package aggregator scrapes public proxy lists into the shared pool.
package aggregator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/config"
)

// maxSourceBytes caps one source document
const maxSourceBytes = 10 << 20

var (
	// scheme://[user:pass@]IP:PORT or bare IP:PORT
	proxyRegex = regexp.MustCompile(`(?:(socks5h?|https?)://)?(?:([^\s:@/]+:[^\s@/]+)@)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)
)

// Recorder receives per-source counts; *metrics.Collector satisfies it
type Recorder interface {
	RecordProxiesScraped(source string, count int)
}

// Sink is where scraped proxies go; *proxypool.Pool satisfies it
type Sink interface {
	Add(raw ...string) int
}

type Aggregator struct {
	config   config.AggregatorConfig
	recorder Recorder
	client   *http.Client
}

type SourceStats struct {
	URL          string `json:"url"`
	ProxiesFound int    `json:"proxies_found"`
	Error        string `json:"error,omitempty"`
}

// NewAggregator accepts a nil recorder
func NewAggregator(cfg config.AggregatorConfig, recorder Recorder) *Aggregator {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Aggregator{
		config:   cfg,
		recorder: recorder,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Aggregate fetches every enabled source concurrently and returns the
// deduplicated proxy URLs in first-seen order
func (a *Aggregator) Aggregate(ctx context.Context) ([]string, map[string]SourceStats, error) {
	enabled := make([]config.Source, 0, len(a.config.Sources))
	for _, source := range a.config.Sources {
		if source.Enabled {
			enabled = append(enabled, source)
		}
	}

	if len(enabled) == 0 {
		return nil, nil, fmt.Errorf("no enabled sources")
	}

	log.Infof("Fetching proxy lists from %d sources", len(enabled))

	// results keep source order so dedupe is deterministic
	results := make([][]string, len(enabled))
	stats := make([]SourceStats, len(enabled))

	var wg sync.WaitGroup
	for i, source := range enabled {
		wg.Add(1)
		go func(i int, src config.Source) {
			defer wg.Done()

			start := time.Now()
			proxies, err := a.fetchSource(ctx, src)
			took := time.Since(start)

			stats[i] = SourceStats{URL: src.URL, ProxiesFound: len(proxies)}
			if err != nil {
				stats[i].Error = err.Error()
				log.Warnf("Source %s failed: %v (took %v)", src.URL, err, took)
			} else {
				log.Infof("Source %s returned %d proxies (took %v)", src.URL, len(proxies), took)
			}

			if a.recorder != nil {
				a.recorder.RecordProxiesScraped(src.URL, len(proxies))
			}
			results[i] = proxies
		}(i, source)
	}
	wg.Wait()

	var all []string
	for _, r := range results {
		all = append(all, r...)
	}
	sourceStats := make(map[string]SourceStats, len(stats))
	for _, s := range stats {
		sourceStats[s.URL] = s
	}

	unique := dedupe(all)
	log.Infof("Deduplicated: %d -> %d unique proxies", len(all), len(unique))

	return unique, sourceStats, nil
}

// Refresh aggregates once and adds the results to sink. It returns the
// number of new entries.
func (a *Aggregator) Refresh(ctx context.Context, sink Sink) (int, error) {
	proxies, _, err := a.Aggregate(ctx)
	if err != nil {
		return 0, err
	}
	added := sink.Add(proxies...)
	log.Infof("Added %d new proxies to the pool", added)
	return added, nil
}

// Run refreshes sink every interval until ctx ends
func (a *Aggregator) Run(ctx context.Context, sink Sink) {
	interval := time.Duration(a.config.IntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := a.Refresh(ctx, sink); err != nil {
				log.Warnf("Proxy list refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) fetchSource(ctx context.Context, source config.Source) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return parseProxies(io.LimitReader(resp.Body, maxSourceBytes), sourceScheme(source))
}

// sourceScheme is the scheme for lines that carry none
func sourceScheme(source config.Source) string {
	switch source.Protocol {
	case "http", "https", "socks5", "socks5h":
		return source.Protocol
	}
	if strings.Contains(strings.ToLower(source.URL), "socks5") {
		return "socks5"
	}
	return "http"
}

func parseProxies(r io.Reader, defaultScheme string) ([]string, error) {
	var proxies []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		for _, m := range proxyRegex.FindAllStringSubmatch(line, -1) {
			scheme := m[1]
			if scheme == "" {
				scheme = defaultScheme
			}
			userinfo := ""
			if m[2] != "" {
				userinfo = m[2] + "@"
			}
			proxies = append(proxies, fmt.Sprintf("%s://%s%s:%s", scheme, userinfo, m[3], m[4]))
		}
	}

	if err := scanner.Err(); err != nil {
		return proxies, fmt.Errorf("scan: %w", err)
	}

	return proxies, nil
}

func dedupe(proxies []string) []string {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]string, 0, len(proxies))

	for _, p := range proxies {
		key := strings.ToLower(p)
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, p)
		}
	}

	return unique
}
