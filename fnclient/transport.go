/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// Transport carries one buffered call's request and response. The
// in-browser runtime gets this for free from net/http's fetch-backed
// wasm transport; server-to-server callers use HTTPTransport directly.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

var DefaultCallTimeout = 30 * time.Second
var DefaultRetries = 3
var DefaultRetryBackoff = 250 * time.Millisecond

// HTTPTransport is the native client transport. Transient connection
// failures are retried with exponential backoff; application errors are
// never retried here because they never surface as transport failures.
type HTTPTransport struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

type HTTPOption func(*httpConfig) error

type httpConfig struct {
	timeout time.Duration
	retries int
	backoff time.Duration
	socks5  string
}

func WithTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) error {
		c.timeout = d
		return nil
	}
}

func WithRetries(n int) HTTPOption {
	return func(c *httpConfig) error {
		c.retries = n
		return nil
	}
}

func WithRetryBackoff(d time.Duration) HTTPOption {
	return func(c *httpConfig) error {
		c.backoff = d
		return nil
	}
}

// WithSOCKS5 routes connections through a SOCKS5 proxy.
func WithSOCKS5(addr string) HTTPOption {
	return func(c *httpConfig) error {
		c.socks5 = addr
		return nil
	}
}

func NewHTTPTransport(opts ...HTTPOption) (*HTTPTransport, error) {
	cfg := httpConfig{
		timeout: DefaultCallTimeout,
		retries: DefaultRetries,
		backoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	inner := &http.Transport{}
	if cfg.socks5 != "" {
		d, err := proxy.SOCKS5("tcp", cfg.socks5, nil, proxy.Direct)
		if err != nil {
			return nil, errors.Errorf("socks5 dialer, %v", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer without context support")
		}
		inner.DialContext = cd.DialContext
	}

	return &HTTPTransport{
		client: &http.Client{
			Timeout:   cfg.timeout,
			Transport: inner,
		},
		retries: cfg.retries,
		backoff: cfg.backoff,
	}, nil
}

func (t *HTTPTransport) Do(req *http.Request) (*http.Response, error) {

	var lastErr error
	for attempt := 0; attempt < t.retries; attempt++ {

		if attempt > 0 {
			wait := t.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(wait):
			}
		}

		attemptReq, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}

		resp, err := t.client.Do(attemptReq)
		if err != nil {
			lastErr = err
			if isRetryable(err) && (req.Body == nil || req.GetBody != nil) {
				continue
			}
			return nil, err
		}
		return resp, nil
	}

	return nil, errors.Errorf("no response after %d attempts, %v", t.retries, lastErr)
}

// cloneRequest rebuilds the request for a fresh attempt; the previous
// attempt may have consumed the body.
func cloneRequest(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}

// drainBody lets the connection be reused by reading leftovers before
// closing.
func drainBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// InProcTransport hands requests straight to a dispatcher living in the
// same process. No sockets, no serialization shortcuts: the wire bytes
// are exactly what the HTTP path produces.
type InProcTransport struct {
	Handler http.Handler
}

func (t *InProcTransport) Do(req *http.Request) (*http.Response, error) {
	rec := &responseRecorder{
		header: make(http.Header),
		status: http.StatusOK,
	}
	t.Handler.ServeHTTP(rec, req)
	return &http.Response{
		StatusCode: rec.status,
		Header:     rec.header,
		Body:       io.NopCloser(bytes.NewReader(rec.body.Bytes())),
		Request:    req,
	}, nil
}

type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (t *responseRecorder) Header() http.Header {
	return t.header
}

func (t *responseRecorder) Write(data []byte) (int, error) {
	return t.body.Write(data)
}

func (t *responseRecorder) WriteHeader(status int) {
	t.status = status
}
