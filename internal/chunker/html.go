package chunker

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"civicinfo/internal/logging"
	"civicinfo/internal/manifest"
)

// HTMLCanonicalizer extracts canonical text from HTML sources. The primary
// extractor is boilerplate-aware (readability); failures fall back to DOM
// paragraph/list extraction, then to the raw decoded bytes.
type HTMLCanonicalizer struct{}

func (HTMLCanonicalizer) Format() Format { return FormatHTML }

// Canonicalize extracts the document text and (when discoverable) its
// title and canonical URL.
func (HTMLCanonicalizer) Canonicalize(ctx context.Context, raw []byte, man manifest.Raw) (Document, error) {
	doc := Document{Language: man.Language}

	pageURL, _ := url.Parse(firstNonEmpty(man.OriginalURL, man.SourceURL, "http://localhost/"))

	if article, err := readability.FromReader(bytes.NewReader(raw), pageURL); err == nil {
		text := strings.TrimSpace(article.TextContent)
		if text != "" {
			doc.Title = strings.TrimSpace(article.Title)
			doc.Pages = []Page{{Number: 0, Text: text}}
			return doc, nil
		}
	} else {
		logging.Log.WithField("error", err.Error()).Debug("readability_extract_failed")
	}

	title, canonical, text, ok := extractDOM(raw)
	doc.Title = title
	doc.SourceURL = canonical
	if ok {
		doc.Pages = []Page{{Number: 0, Text: text}}
		return doc, nil
	}
	if text != "" {
		// No paragraph structure; fall back to the flat body text.
		doc.Pages = []Page{{Number: 0, Text: text}}
		return doc, nil
	}
	return doc, nil
}

// extractDOM walks the parsed DOM collecting paragraph and list-item text
// plus the title and canonical link. When no p/li structure exists it
// returns the flat body text with ok=false.
func extractDOM(raw []byte) (title, canonical, text string, ok bool) {
	node, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", "", "", false
	}

	var paras []string
	var body *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = strings.TrimSpace(nodeText(n))
				}
			case "link":
				if canonical == "" && attrVal(n, "rel") == "canonical" {
					canonical = attrVal(n, "href")
				}
			case "body":
				body = n
			case "p", "li":
				if t := strings.TrimSpace(nodeText(n)); t != "" {
					paras = append(paras, t)
				}
				return // do not descend into nested li/p text twice
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)

	if len(paras) == 0 {
		if body != nil {
			return title, canonical, strings.TrimSpace(nodeText(body)), false
		}
		return title, canonical, "", false
	}
	return title, canonical, strings.Join(paras, "\n\n"), true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
