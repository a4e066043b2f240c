// Package textextract turns submitted manuscript bodies into the plain text
// sent to the analysis engine.
package textextract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	ContentTypePlain = "text/plain"
	ContentTypeHTML  = "text/html"
)

// blockSelector lists elements whose text starts a new paragraph.
const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, td, th, figcaption"

// Normalize returns the screening text for body according to contentType.
// An empty content type is treated as plain text.
func Normalize(contentType, body string) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "", ContentTypePlain:
		return strings.TrimSpace(body), nil
	case ContentTypeHTML:
		return FromHTML(body)
	default:
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

// FromHTML strips markup, scripts and styles, keeping one paragraph per block
// element.
func FromHTML(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, noscript, head").Remove()

	var paragraphs []string
	blocks := doc.Find(blockSelector)
	blocks.Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are emitted by their innermost element.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	if len(paragraphs) == 0 {
		return collapse(doc.Text()), nil
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
