package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tls-chameleon/internal/config"
	"github.com/tls-chameleon/internal/proxypool"
)

type countRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countRecorder) RecordProxiesScraped(source string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[source] += n
}

func TestParseProxies(t *testing.T) {
	in := strings.Join([]string{
		"# comment",
		"1.2.3.4:8080",
		"socks5://5.6.7.8:1080",
		"https://u:p@9.9.9.9:443 trailing text",
		"garbage line",
		"10.0.0.1:80 10.0.0.2:81",
	}, "\n")

	got, err := parseProxies(strings.NewReader(in), "http")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://1.2.3.4:8080",
		"socks5://5.6.7.8:1080",
		"https://u:p@9.9.9.9:443",
		"http://10.0.0.1:80",
		"http://10.0.0.2:81",
	}, got)
}

func TestSourceScheme(t *testing.T) {
	assert.Equal(t, "socks5", sourceScheme(config.Source{URL: "https://x/socks5.txt"}))
	assert.Equal(t, "http", sourceScheme(config.Source{URL: "https://x/list.txt", Protocol: "auto"}))
	assert.Equal(t, "socks5h", sourceScheme(config.Source{URL: "https://x/a", Protocol: "socks5h"}))
}

func TestAggregateAndRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			w.Write([]byte("1.1.1.1:8080\n2.2.2.2:3128\n"))
		case "/b":
			w.Write([]byte("1.1.1.1:8080\n3.3.3.3:1080\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &countRecorder{counts: map[string]int{}}
	a := NewAggregator(config.AggregatorConfig{Sources: []config.Source{
		{URL: srv.URL + "/a", Enabled: true},
		{URL: srv.URL + "/b", Enabled: true},
		{URL: srv.URL + "/missing", Enabled: true},
		{URL: srv.URL + "/off", Enabled: false},
	}}, rec)

	proxies, stats, err := a.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://1.1.1.1:8080", "http://2.2.2.2:3128", "http://3.3.3.3:1080"}, proxies)
	assert.Len(t, stats, 3)
	assert.NotEmpty(t, stats[srv.URL+"/missing"].Error)
	assert.Equal(t, 2, rec.counts[srv.URL+"/a"])

	pool, err := proxypool.New([]string{"1.1.1.1:8080"})
	require.NoError(t, err)
	added, err := a.Refresh(context.Background(), pool)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 3, pool.Len())
}

func TestAggregateNoSources(t *testing.T) {
	_, _, err := NewAggregator(config.AggregatorConfig{}, nil).Aggregate(context.Background())
	assert.Error(t, err)
}
