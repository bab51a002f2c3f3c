package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tls-chameleon/internal/types"
)

// Standard is the net/http fallback. The TLS fingerprint is only
// approximated through the profile's TLS 1.2 cipher list, and header
// order is whatever net/http writes.
type Standard struct {
	opts   Options
	dialer *dialer
}

func NewStandard(opts Options) *Standard {
	opts = opts.withDefaults()
	return &Standard{
		opts:   opts,
		dialer: &dialer{timeout: opts.DialTimeout, insecureSkipVerify: opts.InsecureSkipVerify},
	}
}

func (b *Standard) Name() string { return EngineStandard }

func (b *Standard) client(call *Call) *http.Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: b.opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       call.Profile.CipherIDs(),
	}
	if call.HTTP2 {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	} else {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}

	proxyURL := call.Proxy
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return b.dialer.dial(ctx, proxyURL, addr)
		},
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   call.HTTP2,
		DisableCompression:  true,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: b.opts.DialTimeout,
	}
	if !call.HTTP2 {
		// a non-nil empty map switches off the bundled HTTP/2 support
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	maxRedirects := b.opts.MaxRedirects
	return &http.Client{
		Transport: tr,
		Jar:       call.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

func (b *Standard) Perform(ctx context.Context, call *Call) (*types.Exchange, error) {
	target, err := call.validate()
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(call.Request.Body) > 0 {
		body = bytes.NewReader(call.Request.Body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method(), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = toHTTPHeader(Order(BuildHeaders(call.Profile, call.Request.Headers), call.HeaderOrder))

	client := b.client(call)
	defer client.CloseIdleConnections()

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, truncated, err := readBody(resp, b.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	return toExchange(resp, data, truncated, started, b.Name()), nil
}
