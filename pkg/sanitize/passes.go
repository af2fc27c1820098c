package sanitize

import (
	"context"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/andesco/embedproxy/pkg/document"
)

// Pass is one full traversal of the tree. Every pass first collects its
// decisions over a snapshot of the current tree and only then applies them.
type Pass interface {
	Name() string
	Apply(ctx context.Context, doc *document.Document, base *url.URL) PassResult
}

type PassResult struct {
	Name      string
	Removed   int
	Rewritten int
	Injected  int
	Err       error
}

// evaluate runs rule.Match on n. A panicking predicate skips the node, unless
// the rule fails closed, in which case the node is removed.
func evaluate(rule FilterRule, n *html.Node) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"rule": rule.Name, "tag": n.Data}).Warnf("could not evaluate node: %v", r)
			matched = rule.FailClosed
		}
	}()
	return rule.Match(n)
}

func collect(doc *document.Document, rule FilterRule) []*html.Node {
	var hits []*html.Node
	for _, n := range doc.Find(rule.Selector) {
		if evaluate(rule, n) {
			hits = append(hits, n)
		}
	}
	return hits
}

// applyRewrite computes the new attributes for every node before touching any
// of them. A rule that panics on a node leaves that node unchanged.
func applyRewrite(nodes []*html.Node, rule RewriteRule) int {
	type decision struct {
		node  *html.Node
		attrs []html.Attribute
	}
	decisions := make([]decision, 0, len(nodes))
	for _, n := range nodes {
		attrs, ok := safeRewrite(rule, n)
		if ok {
			decisions = append(decisions, decision{n, attrs})
		}
	}
	for _, d := range decisions {
		d.node.Attr = d.attrs
	}
	return len(decisions)
}

func safeRewrite(rule RewriteRule, n *html.Node) (attrs []html.Attribute, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("tag", n.Data).Warnf("could not rewrite node: %v", r)
			ok = false
		}
	}()
	return rule(n.Attr), true
}

// #############################################################################
// # Removal
// #############################################################################

type removalPass struct {
	rule FilterRule
}

func (p removalPass) Name() string { return p.rule.Name }

func (p removalPass) Apply(_ context.Context, doc *document.Document, _ *url.URL) PassResult {
	return PassResult{Name: p.rule.Name, Removed: document.Remove(collect(doc, p.rule))}
}

// #############################################################################
// # Event handler stripping
// #############################################################################

type eventHandlerPass struct{}

func (eventHandlerPass) Name() string { return "event-handlers" }

func (p eventHandlerPass) Apply(_ context.Context, doc *document.Document, _ *url.URL) PassResult {
	var targets []*html.Node
	stripped := 0
	for _, n := range doc.Elements() {
		count := 0
		for _, a := range n.Attr {
			if isEventHandler(a) {
				count++
			}
		}
		if count > 0 {
			targets = append(targets, n)
			stripped += count
		}
	}

	applyRewrite(targets, func(attrs []html.Attribute) []html.Attribute {
		return document.WithoutAttrs(attrs, isEventHandler)
	})
	return PassResult{Name: p.Name(), Rewritten: stripped}
}

// #############################################################################
// # Iframes
// #############################################################################

// iframePass removes disallowed frames, then rewrites the survivors. Both
// phases see the same snapshot, so a frame is never rewritten and removed.
type iframePass struct {
	rule    FilterRule
	rewrite RewriteRule
}

func (iframePass) Name() string { return "iframe" }

func (p iframePass) Apply(_ context.Context, doc *document.Document, _ *url.URL) PassResult {
	rule := p.rule

	var drop, keep []*html.Node
	for _, n := range doc.Find(rule.Selector) {
		if evaluate(rule, n) {
			drop = append(drop, n)
		} else {
			keep = append(keep, n)
		}
	}

	removed := document.Remove(drop)
	var survivors []*html.Node
	for _, n := range keep {
		if document.Attached(n) {
			survivors = append(survivors, n)
		}
	}
	return PassResult{Name: p.Name(), Removed: removed, Rewritten: applyRewrite(survivors, p.rewrite)}
}

// #############################################################################
// # Attribute rewrite on a fixed selector
// #############################################################################

type rewritePass struct {
	name     string
	selector string
	rewrite  RewriteRule
}

func (p rewritePass) Name() string { return p.name }

func (p rewritePass) Apply(_ context.Context, doc *document.Document, _ *url.URL) PassResult {
	return PassResult{Name: p.name, Rewritten: applyRewrite(doc.Find(p.selector), p.rewrite)}
}
