package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/tls-chameleon/internal/profiles"
	"github.com/tls-chameleon/internal/types"
)

// UTLS presents the profile's ClientHello and speaks HTTP/2 or ordered
// HTTP/1.1 over it. A fresh connection is opened for every exchange.
type UTLS struct {
	opts   Options
	dialer *dialer
}

func NewUTLS(opts Options) *UTLS {
	opts = opts.withDefaults()
	return &UTLS{
		opts:   opts,
		dialer: &dialer{timeout: opts.DialTimeout, insecureSkipVerify: opts.InsecureSkipVerify},
	}
}

func (b *UTLS) Name() string { return EngineUTLS }

func (b *UTLS) Perform(ctx context.Context, call *Call) (*types.Exchange, error) {
	target, err := call.validate()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	method := call.method()
	body := call.Request.Body

	for redirects := 0; ; redirects++ {
		resp, err := b.roundTrip(ctx, call, target, method, body)
		if err != nil {
			return nil, err
		}
		storeCookies(call.Jar, target, resp)

		if next, nextMethod := redirectTarget(resp, target, method); next != nil && redirects < b.opts.MaxRedirects {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			if nextMethod != method {
				body = nil
			}
			target, method = next, nextMethod
			continue
		}

		data, truncated, err := readBody(resp, b.opts.MaxBodyBytes)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		return toExchange(resp, data, truncated, started, b.Name()), nil
	}
}

func (b *UTLS) roundTrip(ctx context.Context, call *Call, u *url.URL, method string, body []byte) (*http.Response, error) {
	conn, err := b.dialer.dial(ctx, call.Proxy, hostPort(u))
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	release := func() {
		stop()
		conn.Close()
	}

	headers := withCookies(BuildHeaders(call.Profile, call.Request.Headers), call.Jar, u)

	if u.Scheme == "http" {
		resp, err := writeHTTP1(conn, method, u, headers, call.HeaderOrder, body)
		if err != nil {
			release()
			return nil, err
		}
		resp.Body = &connBody{ReadCloser: resp.Body, release: release}
		return resp, nil
	}

	tlsConn, err := handshake(ctx, conn, u.Hostname(), call, b.opts.InsecureSkipVerify)
	if err != nil {
		release()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		resp, cc, err := writeHTTP2(ctx, tlsConn, call.Profile, method, u, headers, body)
		if err != nil {
			release()
			return nil, err
		}
		resp.Body = &connBody{ReadCloser: resp.Body, release: func() {
			cc.Close()
			release()
		}}
		return resp, nil
	}

	resp, err := writeHTTP1(tlsConn, method, u, headers, call.HeaderOrder, body)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &connBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type connBody struct {
	io.ReadCloser
	release func()
}

func (c *connBody) Close() error {
	err := c.ReadCloser.Close()
	c.release()
	return err
}

func handshake(ctx context.Context, conn net.Conn, serverName string, call *Call, skipVerify bool) (*utls.UConn, error) {
	spec, err := utls.UTLSIdToSpec(call.Profile.HelloID)
	if err != nil {
		return nil, fmt.Errorf("client hello spec for %s: %w", call.Profile.Name, err)
	}

	alpn := []string{"h2", "http/1.1"}
	if !call.HTTP2 {
		alpn = []string{"http/1.1"}
	}
	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *utls.ALPNExtension:
			e.AlpnProtocols = alpn
		case *utls.ApplicationSettingsExtension:
			if !call.HTTP2 {
				e.SupportedProtocols = alpn
			}
		}
	}

	if call.RandomizeCiphers {
		spec.CipherSuites = reorderSuites(spec.CipherSuites, call.Profile.CipherIDs())
	}

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: skipVerify,
	}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, fmt.Errorf("apply client hello %s: %w", call.Profile.Name, err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
	}
	return uconn, nil
}

func isGREASE(id uint16) bool { return id&0x0f0f == 0x0a0a }

func isTLS13Suite(id uint16) bool { return id >= 0x1301 && id <= 0x1305 }

// reorderSuites follows order for the TLS 1.2 suites of a hello spec.
// GREASE and TLS 1.3 suites stay in front; suites missing from order
// keep their place at the end.
func reorderSuites(suites, order []uint16) []uint16 {
	rank := make(map[uint16]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	var head, known, rest []uint16
	for _, id := range suites {
		switch _, ok := rank[id]; {
		case isGREASE(id) || isTLS13Suite(id):
			head = append(head, id)
		case ok:
			known = append(known, id)
		default:
			rest = append(rest, id)
		}
	}
	sort.SliceStable(known, func(i, j int) bool { return rank[known[i]] < rank[known[j]] })

	out := make([]uint16, 0, len(suites))
	out = append(out, head...)
	out = append(out, known...)
	return append(out, rest...)
}

// writeHTTP1 writes the request with headers exactly in order and reads
// the response
func writeHTTP1(conn net.Conn, method string, u *url.URL, headers []types.Header, order []string, body []byte) (*http.Response, error) {
	all := make([]types.Header, 0, len(headers)+3)
	all = append(all, types.Header{Name: "Host", Value: u.Host})
	all = append(all, headers...)
	if !hasHeader(headers, "Connection") {
		all = append(all, types.Header{Name: "Connection", Value: "keep-alive"})
	}
	if len(body) > 0 || method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		all = append(all, types.Header{Name: "Content-Length", Value: strconv.Itoa(len(body))})
	}
	all = Order(all, order)

	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", method, u.RequestURI())
	for _, h := range all {
		fmt.Fprintf(bw, "%s: %s\r\n", h.Name, sanitizeHeaderValue(h.Value))
	}
	bw.WriteString("\r\n")
	bw.Write(body)
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	req := &http.Request{Method: method, URL: u, Host: u.Host, Header: toHTTPHeader(headers)}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// writeHTTP2 sends the request on a new HTTP/2 client connection tuned
// with the profile's SETTINGS. Header order is left to the framer.
func writeHTTP2(ctx context.Context, conn net.Conn, p *profiles.Profile, method string, u *url.URL, headers []types.Header, body []byte) (*http.Response, *http2.ClientConn, error) {
	t := &http2.Transport{
		DisableCompression:         true,
		StrictMaxConcurrentStreams: true,
		MaxHeaderListSize:          p.H2Value(profiles.H2MaxHeaderListSize),
		MaxReadFrameSize:           p.H2Value(profiles.H2MaxFrameSize),
		MaxDecoderHeaderTableSize:  p.H2Value(profiles.H2HeaderTableSize),
	}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("http2 client conn: %w", err)
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		cc.Close()
		return nil, nil, err
	}
	req.Host = u.Host

	h2Headers := make([]types.Header, 0, len(headers))
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case "connection", "keep-alive", "proxy-connection", "upgrade", "te":
			continue
		}
		h2Headers = append(h2Headers, h)
	}
	req.Header = toHTTPHeader(h2Headers)

	resp, err := cc.RoundTrip(req)
	if err != nil {
		cc.Close()
		return nil, nil, fmt.Errorf("http2 round trip: %w", err)
	}
	return resp, cc, nil
}

func hasHeader(headers []types.Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

func sanitizeHeaderValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func storeCookies(jar http.CookieJar, u *url.URL, resp *http.Response) {
	if jar == nil {
		return
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		jar.SetCookies(u, cookies)
	}
}
