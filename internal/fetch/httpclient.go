package fetch

import (
	"net"
	"net/http"
	"time"
)

// DefaultUserAgent is sent by clients built without a UserAgent.
const DefaultUserAgent = "vitalya"

const defaultClientTimeout = 60 * time.Second

// ClientConfig tunes an HTTP client for photo downloads and platform APIs.
type ClientConfig struct {
	// Timeout bounds a whole request, body included. Long poll clients must
	// set it above the poll wait.
	Timeout   time.Duration
	UserAgent string
}

// NewHTTPClient returns a pooled client that stamps UserAgent on requests
// that carry none.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClientTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &userAgentTransport{base: base, userAgent: cfg.UserAgent},
	}
}

// SharedHTTPClient is NewHTTPClient with only a timeout.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	return NewHTTPClient(ClientConfig{Timeout: timeout})
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(r)
}
