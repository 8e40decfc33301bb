package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrUpstreamUnavailable = errors.New("upstream_unavailable")

// Headers that describe a single connection and must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Host",
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

func (r *Response) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Upstream sends buffered requests to backends, Context Brokers and
// notification subscribers.
type Upstream struct {
	client       *http.Client
	timeout      time.Duration
	apiKeyHeader string
}

func NewUpstream(cfg config.Config) *Upstream {
	return &Upstream{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:      cfg.UpstreamTimeout,
		apiKeyHeader: cfg.APIKeyHeader,
	}
}

// NewUpstreamWithClient is used by tests to point at httptest servers.
func NewUpstreamWithClient(client *http.Client, timeout time.Duration) *Upstream {
	return &Upstream{client: client, timeout: timeout, apiKeyHeader: "X-API-KEY"}
}

// Do sends req and buffers the whole response. Transport failures and
// timeouts are reported as ErrUpstreamUnavailable; any HTTP status is a
// successful round trip.
func (u *Upstream) Do(ctx context.Context, req *Request) (*Response, error) {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(httpReq.Header, req.Header)
	if u.apiKeyHeader != "" {
		httpReq.Header.Del(u.apiKeyHeader)
	}

	start := time.Now()
	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUpstreamUnavailable, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUpstreamUnavailable, req.URL, err)
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Elapsed:    time.Since(start),
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
}

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "?") {
		path = "/" + path
	}
	return base + path
}
