// Package targets loads the ordered list of pages the engine works through
// and owns the shared index that advances from one target to the next.
package targets

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/net/html"
)

// Format names how a target document is laid out.
type Format string

const (
	FormatAuto    Format = "auto"
	FormatLines   Format = "lines"
	FormatHTML    Format = "html"
	FormatSitemap Format = "sitemap"
)

// ParseFormat maps a configuration value onto a Format. Empty means auto.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatLines, FormatHTML, FormatSitemap:
		return f, nil
	default:
		return "", fmt.Errorf("unknown target format '%s'", s)
	}
}

// Detect guesses the format of body from its content type and first bytes.
func Detect(contentType string, body []byte) Format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return FormatHTML
	case strings.Contains(ct, "xml"):
		return FormatSitemap
	}

	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 512 {
		head = head[:512]
	}
	switch {
	case bytes.HasPrefix(head, []byte("<?xml")), bytes.Contains(head, []byte("<urlset")), bytes.Contains(head, []byte("<sitemapindex")):
		return FormatSitemap
	case bytes.HasPrefix(head, []byte("<!doctype html")), bytes.Contains(head, []byte("<html")), bytes.Contains(head, []byte("<a ")):
		return FormatHTML
	}
	return FormatLines
}

// Parse extracts targets from body. Relative references are resolved
// against base when it is non-nil. The result keeps document order without duplicates.
func Parse(body []byte, format Format, contentType string, base *url.URL) ([]string, error) {
	if format == FormatAuto || format == "" {
		format = Detect(contentType, body)
	}
	switch format {
	case FormatLines:
		return ParseLines(bytes.NewReader(body), base)
	case FormatHTML:
		return ParseHTML(bytes.NewReader(body), base)
	case FormatSitemap:
		return ParseSitemap(body, base)
	default:
		return nil, fmt.Errorf("unknown target format '%s'", format)
	}
}

// ParseLines reads one target per line. Blank lines and lines starting with
// '#' are skipped, as is anything that is not an http(s) URL.
func ParseLines(r io.Reader, base *url.URL) ([]string, error) {
	var c collector
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line, ok := ParseLine(sc.Text()); ok {
			c.add(line, base)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read target lines: %w", err)
	}
	return c.out, nil
}

// ParseLine returns the trimmed line, or false for blanks and comments.
func ParseLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	return line, true
}

// ParseHTML collects every <a href> in the document.
func ParseHTML(r io.Reader, base *url.URL) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML target document: %w", err)
	}

	var c collector
	// A <base href> in the document overrides the fetch location.
	if b := findBase(doc); b != "" {
		if u, err := url.Parse(b); err == nil {
			if base != nil {
				u = base.ResolveReference(u)
			}
			base = u
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "a") {
			for _, attr := range n.Attr {
				if strings.EqualFold(attr.Key, "href") {
					c.add(attr.Val, base)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return c.out, nil
}

func findBase(n *html.Node) string {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, "base") {
		for _, attr := range n.Attr {
			if strings.EqualFold(attr.Key, "href") {
				return attr.Val
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if href := findBase(child); href != "" {
			return href
		}
	}
	return ""
}

// ParseSitemap collects every <loc> of a sitemap or sitemap index.
func ParseSitemap(body []byte, base *url.URL) ([]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("failed to parse sitemap: document has no root element")
	}

	var c collector
	for _, loc := range root.FindElements("//loc") {
		c.add(loc.Text(), base)
	}
	return c.out, nil
}

// collector normalizes and deduplicates targets in insertion order.
type collector struct {
	out  []string
	seen map[string]struct{}
}

func (c *collector) add(raw string, base *url.URL) {
	target, ok := Normalize(raw, base)
	if !ok {
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	if _, dup := c.seen[target]; dup {
		return
	}
	c.seen[target] = struct{}{}
	c.out = append(c.out, target)
}

// Normalize resolves raw against base and accepts only absolute http(s) URLs.
// Fragments are dropped since they address the same page.
func Normalize(raw string, base *url.URL) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}
