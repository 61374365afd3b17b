package fetcher

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
)

// Page is the readable part of an archived HTML page.
type Page struct {
	Title string
	Text  string
}

// ExtractPage runs Mozilla Readability over an HTML document. pageURL is
// used to resolve relative links and may be nil.
//
// Returns ErrNoReadableContent when the page has neither text nor content.
func ExtractPage(html []byte, pageURL *url.URL) (Page, error) {
	doc, err := readability.FromReader(bytes.NewReader(html), pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrNoReadableContent, err)
	}

	text := strings.TrimSpace(doc.TextContent)
	if text == "" {
		// Fallback to Content if TextContent is empty
		text = strings.TrimSpace(doc.Content)
	}
	if text == "" {
		return Page{}, ErrNoReadableContent
	}
	return Page{Title: strings.TrimSpace(doc.Title), Text: text}, nil
}
