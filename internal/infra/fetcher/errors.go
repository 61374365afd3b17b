// Package fetcher holds the HTTP plumbing shared by media handlers and
// recovery providers: URL security checks, viewer-to-direct URL rewriting,
// a hardened HTTP client and HTML text extraction.
package fetcher

import "errors"

var (
	// ErrTooManyRedirects indicates the redirect chain exceeded MaxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrBodyTooLarge indicates a response larger than MaxBodySize.
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrNoReadableContent indicates an HTML page without extractable text.
	ErrNoReadableContent = errors.New("no readable content")
)
