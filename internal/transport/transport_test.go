package transport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tls-chameleon/internal/profiles"
	"github.com/tls-chameleon/internal/types"
)

func testProfile() *profiles.Profile {
	return profiles.Default().MustGet("chrome_124")
}

func TestNewEngine(t *testing.T) {
	b, err := New("", Options{})
	require.NoError(t, err)
	assert.Equal(t, EngineUTLS, b.Name())

	b, err = New("Standard", Options{})
	require.NoError(t, err)
	assert.Equal(t, EngineStandard, b.Name())

	_, err = New("curl", Options{})
	var cfgErr *types.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestBuildHeadersOverridesInPlace(t *testing.T) {
	p := testProfile()
	got := BuildHeaders(p, []types.Header{
		{Name: "accept-language", Value: "de-DE"},
		{Name: "X-Extra", Value: "1"},
		{Name: "Host", Value: "ignored"},
	})

	var names []string
	values := map[string]string{}
	for _, h := range got {
		names = append(names, strings.ToLower(h.Name))
		values[strings.ToLower(h.Name)] = h.Value
	}
	assert.Equal(t, "de-DE", values["accept-language"])
	assert.Equal(t, p.UserAgent, values["user-agent"])
	assert.NotContains(t, names, "host")
	assert.Equal(t, "x-extra", names[len(names)-1])
}

func TestOrder(t *testing.T) {
	in := []types.Header{{Name: "B"}, {Name: "X"}, {Name: "a"}, {Name: "Y"}, {Name: "c"}}
	out := Order(in, []string{"A", "b", "C"})

	var names []string
	for _, h := range out {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"a", "B", "c", "X", "Y"}, names)
	assert.Equal(t, "B", in[0].Name)
	assert.Equal(t, in, Order(in, nil))
}

func TestReorderSuites(t *testing.T) {
	suites := []uint16{0x0a0a, 0x1301, 0x1302, 0xc02b, 0xc02f, 0xc02c, 0x009c}
	order := []uint16{0xc02c, 0xc02b, 0xc02f}
	assert.Equal(t, []uint16{0x0a0a, 0x1301, 0x1302, 0xc02c, 0xc02b, 0xc02f, 0x009c}, reorderSuites(suites, order))
}

func TestStandardPerform(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
			http.Redirect(w, r, "/end", http.StatusFound)
		case "/end":
			gotUA = r.Header.Get("User-Agent")
			gotCookie = r.Header.Get("Cookie")
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			gz.Write([]byte("hello gzip"))
			gz.Close()
		}
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	b := NewStandard(Options{MaxRedirects: 3})
	ex, err := b.Perform(context.Background(), &Call{
		Profile: testProfile(),
		Request: types.RequestSpec{URL: srv.URL + "/start"},
		Jar:     jar,
	})
	require.NoError(t, err)

	assert.Equal(t, 200, ex.StatusCode)
	assert.Equal(t, "hello gzip", ex.Text())
	assert.Equal(t, EngineStandard, ex.Backend)
	assert.True(t, strings.HasSuffix(ex.URL, "/end"))
	assert.Equal(t, testProfile().UserAgent, gotUA)
	assert.Equal(t, "sid=abc", gotCookie)
}

func TestStandardNoRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	ex, err := NewStandard(Options{}).Perform(context.Background(), &Call{
		Profile: testProfile(),
		Request: types.RequestSpec{URL: srv.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, ex.StatusCode)
}

func TestBodyCapAndBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		bw.Write(bytes.Repeat([]byte("z"), 4096))
		bw.Close()
	}))
	defer srv.Close()

	ex, err := NewStandard(Options{MaxBodyBytes: 100}).Perform(context.Background(), &Call{
		Profile: testProfile(),
		Request: types.RequestSpec{URL: srv.URL},
	})
	require.NoError(t, err)
	assert.Len(t, ex.Body, 100)
	assert.True(t, ex.Truncated)
	assert.Empty(t, ex.Header.Get("Content-Encoding"))
}

func TestPerformRejectsBadCalls(t *testing.T) {
	for _, b := range []Backend{NewStandard(Options{}), NewUTLS(Options{})} {
		_, err := b.Perform(context.Background(), &Call{Profile: testProfile(), Request: types.RequestSpec{URL: "ftp://x"}})
		assert.Error(t, err, b.Name())
		_, err = b.Perform(context.Background(), &Call{Request: types.RequestSpec{URL: "http://x"}})
		assert.Error(t, err, b.Name())
	}
}

// rawServer accepts one connection, records the request head and answers
// with a fixed response
func rawServer(t *testing.T, response string) (string, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	lines := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var head []string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			head = append(head, line)
		}
		lines <- head
		io.WriteString(conn, response)
	}()
	return "http://" + ln.Addr().String(), lines
}

func TestUTLSWritesHeadersInOrder(t *testing.T) {
	addr, lines := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nSet-Cookie: k=v; Path=/\r\n\r\nok")

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	p := profiles.Default().MustGet("firefox_120")
	ex, err := NewUTLS(Options{}).Perform(context.Background(), &Call{
		Profile:     p,
		Request:     types.RequestSpec{URL: addr + "/path?q=1"},
		Jar:         jar,
		HeaderOrder: p.HeaderOrder,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", ex.Text())
	assert.Equal(t, EngineUTLS, ex.Backend)

	head := <-lines
	require.NotEmpty(t, head)
	assert.Equal(t, "GET /path?q=1 HTTP/1.1", head[0])

	var names []string
	for _, l := range head[1:] {
		names = append(names, strings.SplitN(l, ":", 2)[0])
	}
	require.GreaterOrEqual(t, len(names), 4)
	assert.Equal(t, []string{"Host", "User-Agent", "Accept", "Accept-Language"}, names[:4])

	u, _ := url.Parse(addr)
	cookies := jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "k", cookies[0].Name)
}

func TestUTLSHonorsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = NewUTLS(Options{}).Perform(ctx, &Call{
		Profile: testProfile(),
		Request: types.RequestSpec{URL: "http://" + ln.Addr().String()},
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
