// Package adapter issues the requests a source needs and returns the raw
// pages. One strategy exists per source kind; none of them parse or retry
// beyond a single session re-acquisition for postback forms.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/fetcher"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/resilience"
	"github.com/sells-group/refdata/internal/source"
)

// Fetcher retrieves the raw pages for one source and target.
type Fetcher interface {
	Fetch(ctx context.Context, src *source.Source, target model.Target) (*model.RawFetch, error)
}

// call is the per-invocation state a strategy works with.
type call struct {
	http   fetcher.Fetcher // per-run session with its own cookie jar
	base   fetcher.Fetcher
	src    *source.Source
	target model.Target
	log    *zap.Logger

	sessionRetries int
}

type strategy func(ctx context.Context, c *call) ([]model.Page, error)

var strategies = map[source.Kind]strategy{
	source.KindStaticHTML:    fetchSingle,
	source.KindSpreadsheet:   fetchSingle,
	source.KindJSONAPI:       fetchSingle,
	source.KindPaginatedHTML: fetchPaginated,
	source.KindFormPostback:  fetchPostback,
}

// Adapter dispatches on source kind.
type Adapter struct {
	http fetcher.Fetcher
	now  func() time.Time
}

// New creates an Adapter over the given HTTP fetcher.
func New(f fetcher.Fetcher) *Adapter {
	return &Adapter{http: f, now: time.Now}
}

// Fetch runs the strategy for src.Kind. Every failure is a *model.FetchError
// or, for rejected postback sessions, a *model.SessionExpiredError.
func (a *Adapter) Fetch(ctx context.Context, src *source.Source, target model.Target) (*model.RawFetch, error) {
	run, ok := strategies[src.Kind]
	if !ok {
		return nil, &model.FetchError{Source: src.ID, Reason: "no adapter for kind " + string(src.Kind)}
	}
	sess, err := a.http.Session()
	if err != nil {
		return nil, &model.FetchError{Source: src.ID, Reason: "open session", Err: err}
	}
	c := &call{
		http:   sess,
		base:   a.http,
		src:    src,
		target: target,
		log: zap.L().With(
			zap.String("component", "adapter"),
			zap.String("source", src.ID),
			zap.String("target", target.Label()),
		),
	}

	pages, err := run(ctx, c)
	if err != nil {
		return nil, err
	}
	c.log.Debug("fetched", zap.Int("pages", len(pages)), zap.Int("session_retries", c.sessionRetries))
	return &model.RawFetch{
		SourceID:       src.ID,
		Target:         target,
		Pages:          pages,
		FetchedAt:      a.now().UTC(),
		SessionRetries: c.sessionRetries,
	}, nil
}

// request renders the source's request templates for one page.
func (c *call) request(rawURL string, page int) (*fetcher.Request, error) {
	vars := source.VarsFor(c.target, page)
	u, err := source.Render(rawURL, vars)
	if err != nil {
		return nil, c.fail(rawURL, "render url", err)
	}
	form, err := source.RenderMap(c.src.Request.Form, vars)
	if err != nil {
		return nil, c.fail(u, "render form", err)
	}
	headers, err := source.RenderMap(c.src.Request.Headers, vars)
	if err != nil {
		return nil, c.fail(u, "render headers", err)
	}

	req := &fetcher.Request{Method: strings.ToUpper(c.src.Request.Method), URL: u}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if len(headers) > 0 {
		req.Header = http.Header{}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	if len(form) > 0 {
		values := url.Values{}
		for k, v := range form {
			values.Set(k, v)
		}
		if req.Method == http.MethodGet {
			req.URL, err = withQuery(u, values)
			if err != nil {
				return nil, c.fail(u, "build query", err)
			}
		} else {
			req.Form = values
		}
	} else if req.Method == http.MethodPost {
		req.Form = url.Values{}
	}
	return req, nil
}

func withQuery(rawURL string, values url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do sends req through the run session and requires a 2xx response.
func (c *call) do(ctx context.Context, req *fetcher.Request) (*fetcher.Response, error) {
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, c.classify(req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.FetchError{
			Source:     c.src.ID,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Reason:     "unexpected status",
			Transient:  resilience.IsTransientHTTPStatus(resp.StatusCode),
		}
	}
	return resp, nil
}

// classify turns a transport failure into a FetchError.
func (c *call) classify(rawURL string, err error) error {
	fe := &model.FetchError{Source: c.src.ID, URL: rawURL, Reason: "request failed", Err: err}
	var se *fetcher.StatusError
	var tooLarge *fetcher.BodyTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		fe.Reason = fmt.Sprintf("response exceeds %d bytes", tooLarge.Limit)
	case errors.As(err, &se):
		fe.StatusCode = se.StatusCode
		fe.Reason = "unexpected status"
		fe.Transient = resilience.IsTransientHTTPStatus(se.StatusCode)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fe.Reason = "cancelled"
	default:
		fe.Transient = resilience.IsTransient(err)
	}
	return fe
}

func (c *call) fail(rawURL, reason string, err error) error {
	return &model.FetchError{Source: c.src.ID, URL: rawURL, Reason: reason, Err: err}
}

func toPage(resp *fetcher.Response) model.Page {
	return model.Page{URL: resp.URL, ContentType: resp.ContentType, Body: resp.Body}
}
