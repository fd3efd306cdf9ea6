// Package sanitize strips unsafe markup from feed and article HTML.
package sanitize

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tags and attributes removed from feed and article HTML.
var (
	ForbidTags  = []string{"input", "script", "style", "button", "select", "textarea"}
	ForbidAttrs = []string{"style", "onclick", "onhover", "onload"}
)

// Never allowed, whatever the policy says.
var alwaysForbidden = []string{"script", "iframe", "object", "embed", "frame", "frameset", "base", "meta", "link"}

// Removed together with everything inside them. Other forbidden tags are
// unwrapped and keep their children.
var dropContent = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true, "embed": true,
	"frameset": true, "noscript": true, "template": true, "svg": true, "math": true,
}

// URL-valued attributes checked for script and data schemes.
var urlAttrs = map[string]bool{
	"href": true, "src": true, "action": true, "formaction": true, "xlink:href": true, "poster": true,
}

// Policy is a deny-list HTML sanitizer. The zero value only applies the
// built-in rules (script-like tags, event handlers, script URLs).
type Policy struct {
	tags  map[string]bool
	attrs map[string]bool
}

// New returns a Policy that additionally removes the given tags and attributes.
func New(tags, attrs []string) *Policy {
	p := &Policy{tags: make(map[string]bool), attrs: make(map[string]bool)}
	for _, t := range tags {
		p.tags[strings.ToLower(t)] = true
	}
	for _, t := range alwaysForbidden {
		p.tags[t] = true
	}
	for _, a := range attrs {
		p.attrs[strings.ToLower(a)] = true
	}
	return p
}

// Default returns the Policy used for feed content and extracted articles.
func Default() *Policy {
	return New(ForbidTags, ForbidAttrs)
}

// HTML returns s with forbidden elements, attributes and comments removed.
func (p *Policy) HTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), root)
	if err != nil {
		return html.EscapeString(s)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	p.clean(root)

	var b strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return html.EscapeString(Text(s))
		}
	}
	return b.String()
}

func (p *Policy) forbidden(tag string) bool {
	if p.tags == nil {
		for _, t := range alwaysForbidden {
			if t == tag {
				return true
			}
		}
		return false
	}
	return p.tags[tag]
}

func (p *Policy) clean(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode, html.DoctypeNode:
			n.RemoveChild(c)
		case html.ElementNode:
			tag := strings.ToLower(c.Data)
			if !p.forbidden(tag) {
				c.Attr = p.cleanAttrs(tag, c.Attr)
				p.clean(c)
				break
			}
			if dropContent[tag] {
				n.RemoveChild(c)
				break
			}
			// Unwrap: clean the children, then lift them in place of c.
			p.clean(c)
			for gc := c.FirstChild; gc != nil; {
				gnext := gc.NextSibling
				c.RemoveChild(gc)
				n.InsertBefore(gc, c)
				gc = gnext
			}
			n.RemoveChild(c)
		}
		c = next
	}
}

func (p *Policy) cleanAttrs(tag string, attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if a.Namespace != "" {
			key = strings.ToLower(a.Namespace) + ":" + key
		}
		switch {
		case p.attrs[key], strings.HasPrefix(key, "on"):
			continue
		case urlAttrs[key] && unsafeURL(tag, key, a.Val):
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// unsafeURL reports whether a URL attribute value runs script or embeds a
// document. Inline data is kept only for images.
func unsafeURL(tag, key, v string) bool {
	var b strings.Builder
	for _, r := range strings.ToLower(v) {
		if r > ' ' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	switch {
	case strings.HasPrefix(s, "javascript:"), strings.HasPrefix(s, "vbscript:"):
		return true
	case strings.HasPrefix(s, "data:"):
		return !(tag == "img" && key == "src" && strings.HasPrefix(s, "data:image/"))
	}
	return false
}

// Text returns the visible text of an HTML fragment with whitespace collapsed.
func Text(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if dropContent[string(name)] {
				skip++
			}
			if blockTags[string(name)] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if dropContent[string(name)] && skip > 0 {
				skip--
			}
			if blockTags[string(name)] {
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "td": true, "th": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
