// Package fetch retrieves upstream documents.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/proxyerr"
)

// Fetcher performs single, bounded GET requests. Safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	userAgent string
	headers   []config.KV
	maxBody   int64
}

type Option func(*Fetcher)

// WithTransport replaces the HTTP transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.client.Transport = rt }
}

// WithRedirectCheck vets every redirect target before it is followed.
func WithRedirectCheck(check func(*url.URL) error) Option {
	return func(f *Fetcher) {
		limit := f.client.CheckRedirect
		f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if err := limit(req, via); err != nil {
				return err
			}
			return check(req.URL)
		}
	}
}

func New(cfg config.Fetch, opts ...Option) *Fetcher {
	maxRedirects := cfg.MaxRedirects
	f := &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (max %d)", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		headers:   cfg.Headers,
		maxBody:   cfg.MaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body of rawURL as text. Every failure, including a non-2xx
// status, is an UpstreamFetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.UpstreamFetchError, fmt.Errorf("create request: %w", err))
	}

	for _, h := range f.headers {
		req.Header.Set(h.Key, h.Value)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.UpstreamFetchError, fmt.Errorf("error fetching site: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", proxyerr.New(proxyerr.UpstreamFetchError, "HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.UpstreamFetchError, fmt.Errorf("error reading response body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return "", proxyerr.New(proxyerr.UpstreamFetchError, "content too large (exceeds %d bytes)", f.maxBody)
	}

	return string(body), nil
}
