package sanitize

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/document"
	"github.com/andesco/embedproxy/pkg/target"
)

// FilterRule decides removal of the nodes matched by Selector.
// Match must be pure: it only reads the node and its subtree.
type FilterRule struct {
	Name     string
	Selector string
	Match    func(n *html.Node) bool
	// FailClosed removes the node when Match cannot evaluate it.
	FailClosed bool
}

// RewriteRule maps an element's attributes to their replacement.
// It must not modify its input.
type RewriteRule func(attrs []html.Attribute) []html.Attribute

// #############################################################################
// # Removal rules
// #############################################################################

func trackerRule(f config.Filters) FilterRule {
	markers := f.TrackerMarkers
	lowered := lowerAll(markers)
	return FilterRule{
		Name:     "tracker",
		Selector: strings.Join(f.TrackerKinds, ", "),
		Match: func(n *html.Node) bool {
			src, _ := document.Attr(n, "src")
			href, _ := document.Attr(n, "href")
			for _, m := range markers {
				if m == "" {
					continue
				}
				if strings.Contains(src, m) || strings.Contains(href, m) {
					return true
				}
			}
			return containsAny(strings.ToLower(document.Text(n)), lowered)
		},
	}
}

func redirectScriptRule(f config.Filters) FilterRule {
	tokens := lowerAll(f.RedirectTokens)
	return FilterRule{
		Name:     "redirect-script",
		Selector: "script",
		Match: func(n *html.Node) bool {
			body := document.Text(n)
			if strings.TrimSpace(body) == "" {
				return false
			}
			return containsAny(strings.ToLower(body), tokens)
		},
	}
}

func metaRefreshRule() FilterRule {
	return FilterRule{
		Name:     "meta-refresh",
		Selector: "meta",
		Match: func(n *html.Node) bool {
			v, _ := document.Attr(n, "http-equiv")
			return strings.EqualFold(strings.TrimSpace(v), "refresh")
		},
	}
}

func linkRedirectRule(f config.Filters) FilterRule {
	keywords := lowerAll(f.LinkKeywords)
	return FilterRule{
		Name:     "link-redirect",
		Selector: "a[href]",
		Match: func(n *html.Node) bool {
			href, _ := document.Attr(n, "href")
			return containsAny(strings.ToLower(href), keywords)
		},
	}
}

func formAutoSubmitRule(f config.Filters) FilterRule {
	keywords := lowerAll(f.FormKeywords)
	return FilterRule{
		Name:     "form-autosubmit",
		Selector: "form[action]",
		Match: func(n *html.Node) bool {
			action, _ := document.Attr(n, "action")
			return containsAny(strings.ToLower(action), keywords)
		},
	}
}

func styleHidingRule(f config.Filters) FilterRule {
	patterns := make([]string, 0, len(f.HidingPatterns))
	for _, p := range f.HidingPatterns {
		patterns = append(patterns, compactCSS(p))
	}
	return FilterRule{
		Name:     "style-hiding",
		Selector: "style, link",
		Match: func(n *html.Node) bool {
			if n.Data == "style" {
				return containsAny(compactCSS(document.Text(n)), patterns)
			}
			if !isStylesheet(n) {
				return false
			}
			var sb strings.Builder
			for _, a := range n.Attr {
				sb.WriteString(a.Val)
				sb.WriteByte(' ')
			}
			text := sb.String()
			if unescaped, err := url.PathUnescape(text); err == nil {
				text = unescaped
			}
			return containsAny(compactCSS(text), patterns)
		},
	}
}

// iframeRule removes frames that must not survive. It fails closed: a frame
// whose source does not name an allow-listed http(s) host itself goes.
// Relative sources are dropped because the browser resolves them against the
// proxy origin or a <base href>, never against the page that was checked.
func iframeRule(cfg config.Iframe, allow target.AllowList) FilterRule {
	keywords := lowerAll(cfg.BlockKeywords)
	return FilterRule{
		Name:       "iframe",
		Selector:   "iframe",
		FailClosed: true,
		Match: func(n *html.Node) bool {
			src, ok := document.Attr(n, "src")
			src = strings.TrimSpace(src)
			if !ok || src == "" {
				return true
			}
			if containsAny(strings.ToLower(src), keywords) {
				return true
			}
			u, err := url.Parse(src)
			if err != nil || u.Host == "" {
				return true
			}
			// Protocol-relative sources inherit the embedding page's scheme.
			if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
				return true
			}
			return !allow.Contains(u.Hostname())
		},
	}
}

// #############################################################################
// # Rewrite rules
// #############################################################################

func iframeRewrite(cfg config.Iframe) RewriteRule {
	return func(attrs []html.Attribute) []html.Attribute {
		// srcdoc wins over src in the browser and would bypass every check.
		out := document.WithoutAttrs(attrs, func(a html.Attribute) bool {
			return a.Namespace == "" && a.Key == "srcdoc"
		})
		for _, a := range attrs {
			if a.Namespace == "" && a.Key == "src" {
				out = document.WithAttr(out, "src", withAutoplay(strings.TrimSpace(a.Val)))
				break
			}
		}
		out = document.WithAttr(out, "width", cfg.Width)
		out = document.WithAttr(out, "height", cfg.Height)
		out = document.WithAttr(out, "style", cfg.Style)
		out = document.WithAttr(out, "allow", cfg.Allow)
		return out
	}
}

func bodyStyleRewrite(style string) RewriteRule {
	return func(attrs []html.Attribute) []html.Attribute {
		return document.WithAttr(attrs, "style", style)
	}
}

// withAutoplay appends autoplay=1 to the query of src, before any fragment,
// unless it is already present.
func withAutoplay(src string) string {
	frag := ""
	if i := strings.IndexByte(src, '#'); i >= 0 {
		src, frag = src[:i], src[i:]
	}
	if hasAutoplay(src) {
		return src + frag
	}

	switch {
	case !strings.Contains(src, "?"):
		src += "?autoplay=1"
	case strings.HasSuffix(src, "?"), strings.HasSuffix(src, "&"):
		src += "autoplay=1"
	default:
		src += "&autoplay=1"
	}
	return src + frag
}

func hasAutoplay(src string) bool {
	i := strings.IndexByte(src, '?')
	if i < 0 {
		return false
	}
	for _, param := range strings.Split(src[i+1:], "&") {
		if param == "autoplay=1" {
			return true
		}
	}
	return false
}

// isEventHandler matches inline handler attributes such as onclick or onload.
func isEventHandler(a html.Attribute) bool {
	key := strings.ToLower(a.Key)
	if len(key) <= 2 || !strings.HasPrefix(key, "on") {
		return false
	}
	for _, r := range key[2:] {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// #############################################################################
// # Helpers
// #############################################################################

func resolve(base *url.URL, ref string) (*url.URL, error) {
	if base == nil {
		return url.Parse(ref)
	}
	return base.Parse(ref)
}

func isStylesheet(n *html.Node) bool {
	rel, _ := document.Attr(n, "rel")
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "stylesheet" {
			return true
		}
	}
	return false
}

// compactCSS lowercases s and drops all whitespace so that
// "display : none" matches "display:none".
func compactCSS(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
