// Package sanitize holds the filter pipeline: an ordered list of passes that
// strip tracking, ad and redirect content from an upstream embed page and
// rewrite its video frames for inline playback.
package sanitize

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	log "github.com/sirupsen/logrus"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/document"
	"github.com/andesco/embedproxy/pkg/metrics"
	"github.com/andesco/embedproxy/pkg/target"
)

var tagName = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Pipeline is built once from configuration and is safe for concurrent use:
// it holds no per-request state.
type Pipeline struct {
	passes      []Pass
	omitHeaders []string
}

type Option func(*options)

type options struct {
	scriptFetcher ScriptFetcher
}

// WithScriptFetcher supplies the fetcher used by the script patch pass.
func WithScriptFetcher(f ScriptFetcher) Option {
	return func(o *options) { o.scriptFetcher = f }
}

func New(cfg config.Config, allow target.AllowList, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(cfg.Filters.TrackerKinds) == 0 {
		return nil, fmt.Errorf("tracker kinds must not be empty")
	}
	for _, kind := range cfg.Filters.TrackerKinds {
		if !tagName.MatchString(kind) {
			return nil, fmt.Errorf("invalid tracker element kind %q", kind)
		}
	}

	iframeCfg := cfg.Iframe
	p := &Pipeline{
		passes: []Pass{
			removalPass{trackerRule(cfg.Filters)},
			removalPass{redirectScriptRule(cfg.Filters)},
			removalPass{metaRefreshRule()},
			removalPass{linkRedirectRule(cfg.Filters)},
			removalPass{formAutoSubmitRule(cfg.Filters)},
			eventHandlerPass{},
			removalPass{styleHidingRule(cfg.Filters)},
			iframePass{
				rule:    iframeRule(iframeCfg, allow),
				rewrite: iframeRewrite(iframeCfg),
			},
		},
	}

	if cfg.BodyStyle != "" {
		p.passes = append(p.passes, rewritePass{name: "body-style", selector: "body", rewrite: bodyStyleRewrite(cfg.BodyStyle)})
	}
	if cfg.Assets.Enabled {
		p.passes = append(p.passes, newAssetPass(cfg.Assets))
	}
	if cfg.FrameBypass.Enabled {
		p.passes = append(p.passes, bypassPass{script: cfg.FrameBypass.Script})
		p.omitHeaders = append([]string(nil), cfg.FrameBypass.OmitHeaders...)
	}
	if cfg.ScriptPatch.Enabled {
		if o.scriptFetcher == nil {
			return nil, fmt.Errorf("script patch enabled without a script fetcher")
		}
		patch, err := newPatchPass(cfg.ScriptPatch, o.scriptFetcher)
		if err != nil {
			return nil, err
		}
		p.passes = append(p.passes, patch)
	}

	return p, nil
}

// Passes lists the pass names in execution order.
func (p *Pipeline) Passes() []string {
	names := make([]string, len(p.passes))
	for i, pass := range p.passes {
		names[i] = pass.Name()
	}
	return names
}

// OmitHeaders lists the response headers the caller must drop.
func (p *Pipeline) OmitHeaders() []string {
	return append([]string(nil), p.omitHeaders...)
}

type Report struct {
	Passes []PassResult
}

func (r Report) Removed() int {
	total := 0
	for _, p := range r.Passes {
		total += p.Removed
	}
	return total
}

// Errors returns the non-fatal errors raised by optional passes.
func (r Report) Errors() []error {
	var errs []error
	for _, p := range r.Passes {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errs
}

// Run applies every pass in order. base is the URL the document was fetched
// from; relative references are resolved against it. Run never fails: passes
// report problems through the Report.
func (p *Pipeline) Run(ctx context.Context, doc *document.Document, base *url.URL) Report {
	report := Report{Passes: make([]PassResult, 0, len(p.passes))}
	for _, pass := range p.passes {
		res := pass.Apply(ctx, doc, base)
		res.Name = pass.Name()

		if res.Removed > 0 {
			metrics.PassActions.WithLabelValues(res.Name, "removed").Add(float64(res.Removed))
		}
		if res.Rewritten > 0 {
			metrics.PassActions.WithLabelValues(res.Name, "rewritten").Add(float64(res.Rewritten))
		}
		if res.Injected > 0 {
			metrics.PassActions.WithLabelValues(res.Name, "injected").Add(float64(res.Injected))
		}
		if res.Err != nil {
			log.WithField("pass", res.Name).Warnf("pass skipped: %v", res.Err)
		}

		log.WithFields(log.Fields{
			"pass":      res.Name,
			"removed":   res.Removed,
			"rewritten": res.Rewritten,
			"injected":  res.Injected,
		}).Debug("pass applied")

		report.Passes = append(report.Passes, res)
	}
	return report
}
