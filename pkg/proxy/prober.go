package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultProbeTimeout = 10 * time.Second

// HTTPProber checks a proxy by fetching a target URL through it
type HTTPProber struct {
	Target  string
	Timeout time.Duration
	// Method defaults to HEAD
	Method string
	// InsecureSkipVerify disables certificate checks on the target
	InsecureSkipVerify bool
}

// NewHTTPProber creates a prober against target
func NewHTTPProber(target string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HTTPProber{Target: target, Timeout: timeout, Method: http.MethodHead}
}

// Probe succeeds when the target answers with a status below 400
func (p *HTTPProber) Probe(ctx context.Context, e Endpoint) error {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: p.InsecureSkipVerify},
		IdleConnTimeout:       p.Timeout,
		TLSHandshakeTimeout:   p.Timeout / 2,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     true,
	}
	if err := ConfigureTransport(transport, e, p.Timeout); err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: p.Timeout}

	method := p.Method
	if method == "" {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(ctx, method, p.Target, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}
