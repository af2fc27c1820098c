package sanitize

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/document"
	"github.com/andesco/embedproxy/pkg/proxyerr"
)

// ScriptFetcher retrieves the external script to patch.
type ScriptFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

type replacement struct {
	re      *regexp.Regexp
	replace string
}

// patchPass swaps a configured external script for a patched inline copy.
// References are always removed; when the fetch fails the page goes without
// the script rather than keeping the unpatched original.
type patchPass struct {
	url          string
	timeout      time.Duration
	fetcher      ScriptFetcher
	replacements []replacement
}

const patchMarker = "script-patch"

func newPatchPass(cfg config.ScriptPatch, fetcher ScriptFetcher) (patchPass, error) {
	p := patchPass{url: cfg.URL, timeout: cfg.Timeout, fetcher: fetcher}
	for _, r := range cfg.Replacements {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return patchPass{}, fmt.Errorf("invalid script patch expression %q: %w", r.Match, err)
		}
		p.replacements = append(p.replacements, replacement{re: re, replace: r.Replace})
	}
	return p, nil
}

func (patchPass) Name() string { return "script-patch" }

func (p patchPass) Apply(ctx context.Context, doc *document.Document, base *url.URL) PassResult {
	res := PassResult{Name: p.Name()}

	var refs []*html.Node
	for _, n := range doc.Find("script[src]") {
		if p.references(n, base) {
			refs = append(refs, n)
		}
	}
	if len(refs) == 0 {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := p.fetcher.Fetch(ctx, p.url)
	if err != nil {
		res.Err = proxyerr.Wrap(proxyerr.PatchFetchError, err)
	} else {
		first := refs[0]
		first.Parent.InsertBefore(document.NewScript(p.patch(body), html.Attribute{Key: markerAttr, Val: patchMarker}), first)
		res.Injected = 1
	}

	res.Removed = document.Remove(refs)
	return res
}

func (p patchPass) references(n *html.Node, base *url.URL) bool {
	src, _ := document.Attr(n, "src")
	src = strings.TrimSpace(src)
	if src == p.url {
		return true
	}
	u, err := resolve(base, src)
	return err == nil && u.String() == p.url
}

func (p patchPass) patch(body string) string {
	for _, r := range p.replacements {
		body = r.re.ReplaceAllString(body, r.replace)
	}
	return body
}
