// Package fetcher talks HTTP to exchange and regulator sites and reads the
// spreadsheet and CSV payloads they publish.
package fetcher

import (
	"context"
	"net/http"
	"net/url"
)

// Request is one outbound call. A non-nil Form is sent as an
// application/x-www-form-urlencoded POST body.
type Request struct {
	Method string
	URL    string
	Form   url.Values
	Header http.Header
}

// Response is a fully read HTTP response. URL is the final URL after redirects.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Fetcher performs rate-limited requests.
type Fetcher interface {
	// Do sends req and returns the response for any status below 500 other
	// than 429. Exhausted 5xx/429 responses return a *StatusError.
	Do(ctx context.Context, req *Request) (*Response, error)

	// Session returns a Fetcher sharing transport and rate limits but holding
	// its own cookie jar, for stateful form flows.
	Session() (Fetcher, error)
}

// Get is shorthand for a GET through f.
func Get(ctx context.Context, f Fetcher, rawURL string) (*Response, error) {
	return f.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL})
}
