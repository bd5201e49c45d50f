package adapter

import (
	"context"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/fetcher"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
	"github.com/sells-group/refdata/internal/source"
)

// fetchSingle serves static pages, spreadsheet downloads and JSON endpoints:
// one request, optionally preceded by link discovery.
func fetchSingle(ctx context.Context, c *call) ([]model.Page, error) {
	var (
		req *fetcher.Request
		err error
	)
	if c.src.Request.Link != nil {
		target, derr := c.discover(ctx)
		if derr != nil {
			return nil, derr
		}
		req = &fetcher.Request{Method: http.MethodGet, URL: target}
	} else {
		req, err = c.request(c.src.Request.URL, 0)
		if err != nil {
			return nil, err
		}
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return []model.Page{toPage(resp)}, nil
}

// discover fetches the landing page and returns the first link matching the
// configured pattern, resolved against the landing page's final URL.
func (c *call) discover(ctx context.Context) (string, error) {
	rule := c.src.Request.Link
	landing, err := source.Render(rule.URL, source.VarsFor(c.target, 0))
	if err != nil {
		return "", c.fail(rule.URL, "render link url", err)
	}
	resp, err := c.do(ctx, &fetcher.Request{Method: http.MethodGet, URL: landing})
	if err != nil {
		return "", err
	}
	links, err := parse.Links(resp.Body, resp.URL)
	if err != nil {
		return "", c.fail(landing, "read landing page", err)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return "", c.fail(landing, "link pattern", err)
	}
	for _, l := range links {
		if re.MatchString(l) {
			c.log.Debug("link discovered", zap.String("landing", landing), zap.String("link", l))
			return l, nil
		}
	}
	return "", &model.FetchError{
		Source: c.src.ID,
		URL:    landing,
		Reason: "no link matching " + rule.Pattern,
	}
}
