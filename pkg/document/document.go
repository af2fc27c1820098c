// Package document turns fetched markup into a mutable node tree and back.
//
// The tree is the golang.org/x/net/html representation: every node is tagged
// with its kind (element, text, comment, doctype, document), elements carry an
// ordered attribute slice and an ordered child list. Parsing never executes
// script content; script bodies become plain text nodes.
package document

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/andesco/embedproxy/pkg/proxyerr"
)

type Document struct {
	doc *goquery.Document
}

// Parse builds a best-effort tree. Only empty or binary input is rejected;
// malformed markup is repaired the way browsers do.
func Parse(body string) (*Document, error) {
	if strings.TrimSpace(body) == "" {
		return nil, proxyerr.New(proxyerr.ParseError, "empty document")
	}
	if strings.IndexByte(body, 0) >= 0 {
		return nil, proxyerr.New(proxyerr.ParseError, "document is not text")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.ParseError, fmt.Errorf("could not parse HTML: %w", err))
	}
	return &Document{doc: doc}, nil
}

// Find returns a snapshot of the nodes currently matching selector, in
// document order. Mutating the tree afterwards does not change the slice.
func (d *Document) Find(selector string) []*html.Node {
	nodes := d.doc.Find(selector).Nodes
	out := make([]*html.Node, len(nodes))
	copy(out, nodes)
	return out
}

// Elements returns every element node in document order.
func (d *Document) Elements() []*html.Node {
	return d.Find("*")
}

// Head returns the head element. The HTML5 parser always synthesizes one.
func (d *Document) Head() *html.Node {
	if nodes := d.Find("head"); len(nodes) > 0 {
		return nodes[0]
	}
	return nil
}

// Render serializes the tree. Output is deterministic for a given tree.
func (d *Document) Render() (string, error) {
	out, err := d.doc.Html()
	if err != nil {
		return "", fmt.Errorf("could not render HTML: %w", err)
	}
	return out, nil
}

// #############################################################################
// # Node helpers
// #############################################################################

// Attr returns the value of key on n.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// WithAttr returns a copy of attrs with key set to val. An existing attribute
// keeps its position; a new one is appended.
func WithAttr(attrs []html.Attribute, key, val string) []html.Attribute {
	out := make([]html.Attribute, 0, len(attrs)+1)
	found := false
	for _, a := range attrs {
		if a.Namespace == "" && a.Key == key {
			if found {
				continue
			}
			a.Val = val
			found = true
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, html.Attribute{Key: key, Val: val})
	}
	return out
}

// WithoutAttrs returns a copy of attrs minus those for which drop is true.
func WithoutAttrs(attrs []html.Attribute, drop func(html.Attribute) bool) []html.Attribute {
	out := make([]html.Attribute, 0, len(attrs))
	for _, a := range attrs {
		if !drop(a) {
			out = append(out, a)
		}
	}
	return out
}

// Text concatenates the text of n and all its descendants.
func Text(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

// Attached reports whether n is still reachable from a document root.
func Attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

// Remove detaches every node. Nodes already detached, directly or through an
// ancestor, are left alone.
func Remove(nodes []*html.Node) int {
	removed := 0
	for _, n := range nodes {
		if n.Parent == nil || !Attached(n) {
			continue
		}
		n.Parent.RemoveChild(n)
		removed++
	}
	return removed
}

// NewElement builds a detached element with the given attributes.
func NewElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Lookup([]byte(tag)),
		Data:     tag,
		Attr:     attrs,
	}
}

// NewScript builds a detached inline script element.
func NewScript(body string, attrs ...html.Attribute) *html.Node {
	n := NewElement("script", attrs...)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: body})
	return n
}
