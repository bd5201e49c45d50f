package adapter

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/fetcher"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
	"github.com/sells-group/refdata/internal/source"
)

// fetchPostback runs the two-step ASP.NET flow: GET the form to collect the
// hidden state fields and the session cookie, then POST the search. A rejected
// session is re-acquired exactly once on a fresh cookie jar. Only the accepted
// response is returned.
func fetchPostback(ctx context.Context, c *call) ([]model.Page, error) {
	var lastErr error
	for attempt := range 2 {
		if attempt > 0 {
			sess, err := c.base.Session()
			if err != nil {
				return nil, c.fail(c.src.Request.URL, "open session", err)
			}
			c.http = sess
			c.sessionRetries++
			c.log.Info("re-acquiring session", zap.Error(lastErr))
		}

		page, err := c.postOnce(ctx)
		if err == nil {
			return []model.Page{page}, nil
		}
		var expired *model.SessionExpiredError
		if !errors.As(err, &expired) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *call) postOnce(ctx context.Context) (model.Page, error) {
	sess := c.src.Request.Session
	formURL := c.src.Request.URL
	if sess.FormURL != "" {
		formURL = sess.FormURL
	}
	formURL, err := source.Render(formURL, source.VarsFor(c.target, 0))
	if err != nil {
		return model.Page{}, c.fail(formURL, "render form url", err)
	}

	formPage, err := c.do(ctx, &fetcher.Request{Method: http.MethodGet, URL: formURL})
	if err != nil {
		return model.Page{}, err
	}
	tokens, err := parse.FormFields(formPage.Body, sess.FormID)
	if err != nil {
		return model.Page{}, c.fail(formURL, "read session fields", err)
	}

	req, err := c.request(c.src.Request.URL, 0)
	if err != nil {
		return model.Page{}, err
	}
	if req.Method != http.MethodPost {
		req.Method = http.MethodPost
	}
	// Configured fields win over hidden inputs of the same name.
	for k, vs := range req.Form {
		tokens[k] = vs
	}
	req.Form = tokens

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		var se *fetcher.StatusError
		if errors.As(err, &se) && slices.Contains(sess.RejectStatus, se.StatusCode) {
			return model.Page{}, c.expired(req.URL, "status "+strconv.Itoa(se.StatusCode))
		}
		return model.Page{}, c.classify(req.URL, err)
	}
	if reason, rejected := c.rejected(resp); rejected {
		return model.Page{}, c.expired(resp.URL, reason)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Page{}, &model.FetchError{
			Source:     c.src.ID,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Reason:     "unexpected status",
		}
	}
	return toPage(resp), nil
}

// rejected reports whether the server refused the session tokens: a
// configured status, a redirect to an error page or a marker in the body.
func (c *call) rejected(resp *fetcher.Response) (string, bool) {
	sess := c.src.Request.Session
	if slices.Contains(sess.RejectStatus, resp.StatusCode) {
		return "status " + strconv.Itoa(resp.StatusCode), true
	}
	if sess.RejectURL != "" {
		if re, err := regexp.Compile(sess.RejectURL); err == nil && re.MatchString(resp.URL) {
			return "redirected to " + resp.URL, true
		}
	}
	if len(sess.RejectMarkers) > 0 {
		text, err := parse.DocumentText(resp.Body)
		if err != nil {
			text = string(resp.Body)
		}
		text = strings.ToLower(text)
		for _, m := range sess.RejectMarkers {
			if strings.Contains(text, strings.ToLower(parse.CleanText(m))) {
				return "marker " + strconv.Quote(m), true
			}
		}
	}
	return "", false
}

func (c *call) expired(rawURL, reason string) error {
	return &model.SessionExpiredError{Source: c.src.ID, URL: rawURL, Reason: reason}
}
