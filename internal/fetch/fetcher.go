// Package fetch downloads photo bytes for the image pipeline.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"vitalya/internal/domain"
)

// DefaultMaxBytes bounds a single download.
const DefaultMaxBytes = 20 * 1024 * 1024

// ErrTooLarge is returned when a download exceeds the size limit.
var ErrTooLarge = errors.New("download exceeds size limit")

// HTTPFetcher downloads http(s) URLs and, when enabled, reads file:// URLs.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	allowFile bool
	userAgent string
}

type Option func(*HTTPFetcher)

// WithMaxBytes sets the download size limit.
func WithMaxBytes(n int64) Option {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithFileURLs permits file:// URLs. Only the local CLI channel needs this.
func WithFileURLs() Option {
	return func(f *HTTPFetcher) { f.allowFile = true }
}

func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

func NewHTTPFetcher(client *http.Client, opts ...Option) *HTTPFetcher {
	if client == nil {
		client = SharedHTTPClient(0)
	}
	f := &HTTPFetcher{client: client, maxBytes: DefaultMaxBytes, userAgent: "vitalya/1.0"}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse photo url")
	}

	switch u.Scheme {
	case "http", "https":
	case "file":
		if !f.allowFile {
			return nil, errors.Errorf("file urls are not allowed: %s", rawURL)
		}
		return f.readFile(u.Path)
	default:
		return nil, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download photo")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("download photo: unexpected status %d", resp.StatusCode)
	}
	return ReadLimited(resp.Body, f.maxBytes)
}

func (f *HTTPFetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open photo")
	}
	defer file.Close()
	return ReadLimited(file, f.maxBytes)
}

// ReadLimited reads r fully, failing with ErrTooLarge past limit bytes.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "read photo")
	}
	if int64(len(data)) > limit {
		return nil, errors.WithStack(ErrTooLarge)
	}
	return data, nil
}

// Mux routes a URL to the fetcher registered for its longest matching
// prefix, falling back to a default fetcher.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]domain.Fetcher
	fallback domain.Fetcher
}

func NewMux(fallback domain.Fetcher) *Mux {
	return &Mux{routes: make(map[string]domain.Fetcher), fallback: fallback}
}

// Handle registers f for URLs starting with prefix, e.g. "mxc://".
func (m *Mux) Handle(prefix string, f domain.Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[prefix] = f
}

func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	m.mu.RLock()
	var (
		best    string
		fetcher = m.fallback
	)
	for prefix, f := range m.routes {
		if strings.HasPrefix(rawURL, prefix) && len(prefix) > len(best) {
			best, fetcher = prefix, f
		}
	}
	m.mu.RUnlock()

	if fetcher == nil {
		return nil, errors.Errorf("no fetcher for %s", rawURL)
	}
	return fetcher.Fetch(ctx, rawURL)
}
