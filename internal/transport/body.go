package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/tls-chameleon/internal/types"
)

// readBody decodes the response body according to Content-Encoding and
// caps it at limit bytes
func readBody(resp *http.Response, limit int64) ([]byte, bool, error) {
	var r io.Reader = resp.Body

	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		r = deflateReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		// leave unknown encodings as they are
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}

	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}
	if enc != "" && enc != "identity" {
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}
	return data, truncated, nil
}

// Servers disagree on whether "deflate" means zlib-wrapped or raw
func deflateReader(body io.Reader) io.Reader {
	buf, err := io.ReadAll(body)
	if err != nil {
		return &errReader{err}
	}
	if zr, err := zlib.NewReader(bytes.NewReader(buf)); err == nil {
		return zr
	}
	return flate.NewReader(bytes.NewReader(buf))
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }

func toExchange(resp *http.Response, body []byte, truncated bool, started time.Time, backend string) *types.Exchange {
	ex := &types.Exchange{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header.Clone(),
		Body:       body,
		Truncated:  truncated,
		Elapsed:    time.Since(started),
		Backend:    backend,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		ex.URL = resp.Request.URL.String()
	}
	return ex
}
