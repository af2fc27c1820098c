// Package embedproxy ties the request pipeline together: validate the target,
// fetch it, parse it, run the filter passes and render the result.
package embedproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/document"
	"github.com/andesco/embedproxy/pkg/fetch"
	"github.com/andesco/embedproxy/pkg/metrics"
	"github.com/andesco/embedproxy/pkg/proxyerr"
	"github.com/andesco/embedproxy/pkg/sanitize"
	"github.com/andesco/embedproxy/pkg/target"
)

// ResponseDocument is what the HTTP layer sends back on success.
type ResponseDocument struct {
	Body    string
	Headers http.Header
	// Omit names headers that must not reach the client, whoever set them.
	Omit   []string
	Report sanitize.Report
}

type Proxy struct {
	allow    target.AllowList
	fetcher  *fetch.Fetcher
	pipeline *sanitize.Pipeline
	headers  []config.KV
	logURLs  bool
}

type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport routes every outbound request through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func New(cfg config.Config, opts ...Option) (*Proxy, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	allow := target.NewAllowList(cfg.AllowedHosts)

	docOpts := []fetch.Option{fetch.WithRedirectCheck(func(u *url.URL) error {
		if !allow.Contains(u.Hostname()) {
			return proxyerr.New(proxyerr.ForbiddenHost, "redirect to disallowed host %s", u.Hostname())
		}
		return nil
	})}
	var scriptOpts []fetch.Option
	if o.transport != nil {
		docOpts = append(docOpts, fetch.WithTransport(o.transport))
		scriptOpts = append(scriptOpts, fetch.WithTransport(o.transport))
	}

	scriptCfg := cfg.Fetch
	scriptCfg.Timeout = cfg.ScriptPatch.Timeout
	scripts := timedFetcher{kind: "script", f: fetch.New(scriptCfg, scriptOpts...)}

	pipeline, err := sanitize.New(cfg, allow, sanitize.WithScriptFetcher(scripts))
	if err != nil {
		return nil, fmt.Errorf("error building filter pipeline: %w", err)
	}

	log.WithField("hosts", allow.Hosts()).Debug("allow-list loaded")
	if cfg.FrameBypass.Enabled {
		log.WithField("omit_headers", pipeline.OmitHeaders()).
			Warn("frame sandbox bypass is ENABLED: upstream anti-framing protection will be defeated")
	}

	return &Proxy{
		allow:    allow,
		fetcher:  fetch.New(cfg.Fetch, docOpts...),
		pipeline: pipeline,
		headers:  cfg.ResponseHeaders,
		logURLs:  cfg.Log.URLs,
	}, nil
}

// Process runs the full pipeline for one request. ctx bounds every outbound
// fetch.
func (p *Proxy) Process(ctx context.Context, rawURL string) (*ResponseDocument, error) {
	req, err := target.Validate(rawURL, p.allow)
	if err != nil {
		return nil, err
	}

	if p.logURLs {
		log.WithField("host", req.Host).Info(req.URL.String())
	}

	body, err := timedFetcher{kind: "document", f: p.fetcher}.Fetch(ctx, req.URL.String())
	if err != nil {
		if proxyerr.KindOf(err) != proxyerr.UpstreamFetchError {
			err = proxyerr.Wrap(proxyerr.UpstreamFetchError, err)
		}
		return nil, err
	}

	doc, err := document.Parse(body)
	if err != nil {
		return nil, err
	}

	report := p.pipeline.Run(ctx, doc, req.URL)

	out, err := doc.Render()
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.ParseError, err)
	}

	headers := make(http.Header)
	headers.Set("Content-Type", "text/html; charset=utf-8")
	for _, h := range p.headers {
		headers.Set(h.Key, h.Value)
	}
	omit := p.pipeline.OmitHeaders()
	for _, h := range omit {
		headers.Del(h)
	}

	return &ResponseDocument{Body: out, Headers: headers, Omit: omit, Report: report}, nil
}

// timedFetcher records fetch latency per target kind.
type timedFetcher struct {
	kind string
	f    *fetch.Fetcher
}

func (t timedFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	body, err := t.f.Fetch(ctx, rawURL)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.FetchDuration.WithLabelValues(t.kind, result).Observe(time.Since(start).Seconds())
	return body, err
}
