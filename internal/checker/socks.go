package checker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// probeTransport builds a one-shot transport that routes through proxyURL
func probeTransport(proxyURL *url.URL, timeout time.Duration, insecure bool) (*http.Transport, error) {
	t := &http.Transport{
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: timeout,
		TLSClientConfig:     tlsConfig(insecure),
	}

	switch proxyURL.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(proxyURL)
		t.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
		return t, nil

	case "socks5", "socks5h":
		d, err := proxy.FromURL(proxyURL, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
}
