package sanitize

import (
	"context"
	"net/url"

	"golang.org/x/net/html"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/document"
)

// markerAttr tags nodes the pipeline itself injected, so a second run does not
// inject them again.
const markerAttr = "data-embedproxy"

// assetPass appends the player stylesheets and scripts to the head.
type assetPass struct {
	stylesheets []string
	scripts     []string
}

func newAssetPass(cfg config.Assets) assetPass {
	return assetPass{
		stylesheets: append([]string(nil), cfg.Stylesheets...),
		scripts:     append([]string(nil), cfg.Scripts...),
	}
}

func (assetPass) Name() string { return "assets" }

func (p assetPass) Apply(_ context.Context, doc *document.Document, _ *url.URL) PassResult {
	res := PassResult{Name: p.Name()}
	head := doc.Head()
	if head == nil {
		return res
	}

	present := make(map[string]bool)
	for _, n := range doc.Find("link[href], script[src]") {
		if v, ok := document.Attr(n, "href"); ok && n.Data == "link" {
			present["link "+v] = true
		}
		if v, ok := document.Attr(n, "src"); ok && n.Data == "script" {
			present["script "+v] = true
		}
	}

	var additions []*html.Node
	for _, href := range p.stylesheets {
		if present["link "+href] {
			continue
		}
		present["link "+href] = true
		additions = append(additions, document.NewElement("link",
			html.Attribute{Key: "rel", Val: "stylesheet"},
			html.Attribute{Key: "type", Val: "text/css"},
			html.Attribute{Key: "href", Val: href},
		))
	}
	for _, src := range p.scripts {
		if present["script "+src] {
			continue
		}
		present["script "+src] = true
		additions = append(additions, document.NewElement("script",
			html.Attribute{Key: "src", Val: src},
			html.Attribute{Key: "defer", Val: ""},
		))
	}

	for _, n := range additions {
		head.AppendChild(n)
	}
	res.Injected = len(additions)
	return res
}

// bypassPass installs a script, ahead of any page script, that makes the page
// believe it runs as the top-level frame. The matching response headers are
// dropped by the caller through Pipeline.OmitHeaders.
type bypassPass struct {
	script string
}

const bypassMarker = "frame-bypass"

func (bypassPass) Name() string { return "frame-bypass" }

func (p bypassPass) Apply(_ context.Context, doc *document.Document, _ *url.URL) PassResult {
	res := PassResult{Name: p.Name()}
	head := doc.Head()
	if head == nil {
		return res
	}
	for _, n := range doc.Find("script") {
		if v, _ := document.Attr(n, markerAttr); v == bypassMarker {
			return res
		}
	}

	script := document.NewScript(p.script, html.Attribute{Key: markerAttr, Val: bypassMarker})
	head.InsertBefore(script, head.FirstChild)
	res.Injected = 1
	return res
}
