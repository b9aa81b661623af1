package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// ErrExpired means the target rejected the supplied authentication. The core
// cannot log in again; the operator has to refresh the session.
var ErrExpired = errors.New("session expired: re-authenticate with the login helper")

// Doer is the transport the dispatcher fires through. Implementations must be
// safe for concurrent use.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	BaseURL  string
	Cookies  map[string]string
	PoolSize int
	Timeout  time.Duration
}

// HTTP is a cookie-bearing client with a pooled transport. *http.Client and
// its Transport are safe for concurrent use, so one HTTP serves a whole batch.
type HTTP struct {
	client    *http.Client
	transport *http.Transport
	base      *url.URL
}

func NewHTTP(opts Options) (*HTTP, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	cookies := make([]*http.Cookie, 0, len(opts.Cookies))
	for name, value := range opts.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	jar.SetCookies(base, cookies)

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        opts.PoolSize,
		MaxIdleConnsPerHost: opts.PoolSize,
		MaxConnsPerHost:     opts.PoolSize,
		IdleConnTimeout:     5 * time.Minute,
		TLSHandshakeTimeout: opts.Timeout,
		ForceAttemptHTTP2:   true,
	}
	return &HTTP{
		client:    &http.Client{Jar: jar, Transport: tr, Timeout: opts.Timeout},
		transport: tr,
		base:      base,
	}, nil
}

func (h *HTTP) Do(req *http.Request) (*http.Response, error) { return h.client.Do(req) }

// Warm opens a pooled connection to the base URL so handshakes happen before
// the fire instant.
func (h *HTTP) Warm(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close releases pooled connections.
func (h *HTTP) Close() error {
	h.transport.CloseIdleConnections()
	return nil
}
