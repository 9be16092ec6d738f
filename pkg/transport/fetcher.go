// Package transport performs the network side of a scrape attempt: it
// turns a fingerprinted request into an HTTP exchange through an optional
// proxy, and classifies what came back.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"stealthscrape/pkg/antidetect"
	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/logger"
	"stealthscrape/pkg/proxy"
)

const (
	defaultMaxBody     = 10 << 20
	defaultDialTimeout = 15 * time.Second
)

// Request is one fetch attempt
type Request struct {
	URL         string
	Method      string
	Headers     map[string]string
	Fingerprint antidetect.Fingerprint
	Cookies     []*http.Cookie
	// Proxy is nil for a direct connection
	Proxy *proxy.Endpoint
	// Plan is played before the request is sent
	Plan []antidetect.Step
}

// Response is the raw outcome of a fetch
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Cookies    []*http.Cookie
	Duration   time.Duration
	Truncated  bool
}

// Fetcher performs a single attempt. Errors are typed with pkg/errors
// where the failure can be attributed.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPFetcher is a Fetcher over net/http with one cached transport per
// proxy and TLS profile.
type HTTPFetcher struct {
	maxBody     int64
	dialTimeout time.Duration
	insecure    bool
	clock       clockwork.Clock
	log         logger.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// FetcherOption configures an HTTPFetcher
type FetcherOption func(*HTTPFetcher)

// WithMaxBodySize caps the bytes read from a response body
func WithMaxBodySize(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

func WithDialTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.dialTimeout = d
		}
	}
}

// WithInsecureTLS disables certificate verification
func WithInsecureTLS() FetcherOption {
	return func(f *HTTPFetcher) {
		f.insecure = true
	}
}

func WithClock(clock clockwork.Clock) FetcherOption {
	return func(f *HTTPFetcher) {
		f.clock = clock
	}
}

func WithLogger(l logger.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.log = l
	}
}

// NewHTTPFetcher creates a fetcher
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		maxBody:     defaultMaxBody,
		dialTimeout: defaultDialTimeout,
		clock:       clockwork.NewRealClock(),
		transports:  make(map[string]*http.Transport),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logger.GetLogger()
	}
	f.log = f.log.WithComponent("transport")
	return f
}

// Fetch performs req. Connection failures through a proxy are reported as
// proxy errors, other transport failures as network errors. HTTP error
// statuses are not errors; see Classify.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if len(req.Plan) > 0 {
		if err := antidetect.Play(ctx, f.clock, req.Plan, nil); err != nil {
			return nil, err
		}
	}

	transport, err := f.transport(req.Proxy, req.Fingerprint.TLSProfile)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, err, "failed to build transport")
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var gotConn atomic.Bool
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { gotConn.Store(true) },
	}
	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, req.URL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, err, "invalid request")
	}

	for k, v := range req.Fingerprint.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Fingerprint.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.Fingerprint.UserAgent)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	client := &http.Client{Transport: transport}

	start := f.clock.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, f.wrapError(ctx, err, req.Proxy != nil, gotConn.Load())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, f.wrapError(ctx, err, req.Proxy != nil, true)
	}
	truncated := int64(len(body)) > f.maxBody
	if truncated {
		body = body[:f.maxBody]
	}

	out := &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Cookies:    resp.Cookies(),
		Duration:   f.clock.Since(start),
		Truncated:  truncated,
	}

	f.log.DebugWithFields("fetch completed", map[string]interface{}{
		"url":         out.URL,
		"status_code": out.StatusCode,
		"bytes":       len(body),
		"duration_ms": out.Duration.Milliseconds(),
	})
	return out, nil
}

func (f *HTTPFetcher) wrapError(ctx context.Context, err error, proxied, gotConn bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var typed *errs.Error
	if errors.As(err, &typed) {
		return typed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.ErrorTypeNetwork, err, "request timed out")
	}
	if proxied && !gotConn {
		return errs.Wrap(errs.ErrorTypeProxy, err, "proxy connection failed")
	}
	return errs.Wrap(errs.ErrorTypeNetwork, err, "request failed")
}

// CloseIdleConnections closes idle connections on every cached transport
func (f *HTTPFetcher) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func (f *HTTPFetcher) transport(ep *proxy.Endpoint, profile string) (*http.Transport, error) {
	key := "direct"
	if ep != nil {
		key = ep.ID + "@" + ep.Address()
	}
	key += "|" + strings.ToLower(profile)

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}

	t, err := f.newTransport(ep, profile)
	if err != nil {
		return nil, err
	}
	f.transports[key] = t
	return t, nil
}

func (f *HTTPFetcher) newTransport(ep *proxy.Endpoint, profile string) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: f.dialTimeout, KeepAlive: 30 * time.Second}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: f.insecure},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if ep != nil {
		if err := proxy.ConfigureTransport(t, *ep, f.dialTimeout); err != nil {
			return nil, err
		}
	}

	id, ok := helloID(profile)
	if !ok {
		return t, nil
	}

	insecure := f.insecure
	if ep != nil && ep.Protocol != proxy.ProtocolSOCKS5 {
		// net/http would run its own TLS inside the CONNECT tunnel, so
		// https targets get a hand-built tunnel instead.
		proxyURL := ep.URL()
		endpoint := *ep
		t.Proxy = func(r *http.Request) (*url.URL, error) {
			if r.URL.Scheme == "https" {
				return nil, nil
			}
			return proxyURL, nil
		}
		t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := connectTunnel(ctx, dialer, endpoint, addr, insecure)
			if err != nil {
				return nil, err
			}
			return utlsHandshake(ctx, conn, hostOnly(addr), id, insecure)
		}
		return t, nil
	}

	dial := t.DialContext
	t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return utlsHandshake(ctx, conn, hostOnly(addr), id, insecure)
	}
	return t, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// String describes the fetch for logs
func (r Request) String() string {
	via := "direct"
	if r.Proxy != nil {
		via = r.Proxy.String()
	}
	return fmt.Sprintf("%s %s via %s", r.Method, r.URL, via)
}
