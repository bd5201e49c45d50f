package fetcher

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries counts total attempts for 5xx/429/transport errors. The
	// ingestion Coordinator owns retries, so it uses 1.
	MaxRetries   int
	BackoffBase  time.Duration
	MaxBodyBytes int64
	// RateLimiters maps host to a fixed limiter. Hosts without one get an
	// AdaptiveLimiter at DefaultHostRate.
	RateLimiters map[string]*rate.Limiter
}

// DefaultHostRate is the request rate for hosts without a configured limit.
const DefaultHostRate rate.Limit = 2

// StatusError is returned when a retryable status survives all attempts.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// BodyTooLargeError is returned when a response body exceeds MaxBodyBytes.
type BodyTooLargeError struct {
	URL   string
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("response from %s exceeds %d bytes", e.URL, e.Limit)
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.String("host", host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// limiterSet is shared by a fetcher and all of its sessions.
type limiterSet struct {
	mu       sync.Mutex
	fixed    map[string]*rate.Limiter
	adaptive map[string]*AdaptiveLimiter
}

func (ls *limiterSet) wait(ctx context.Context, host string) (*AdaptiveLimiter, error) {
	ls.mu.Lock()
	if lim, ok := ls.fixed[host]; ok {
		ls.mu.Unlock()
		return nil, eris.Wrap(lim.Wait(ctx), "rate limiter wait")
	}
	a, ok := ls.adaptive[host]
	if !ok {
		a = NewAdaptiveLimiter(DefaultHostRate, 1)
		ls.adaptive[host] = a
	}
	ls.mu.Unlock()
	if err := a.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}
	return a, nil
}

// HTTPFetcher implements Fetcher using net/http with per-host rate limiting.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters *limiterSet
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 128 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "refdata/1.0"
	}
	fixed := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for k, v := range opts.RateLimiters {
		fixed[strings.ToLower(k)] = v
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: &limiterSet{fixed: fixed, adaptive: make(map[string]*AdaptiveLimiter)},
	}
}

// Session returns a fetcher with its own cookie jar.
func (f *HTTPFetcher) Session() (Fetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "create cookie jar")
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   f.client.Timeout,
			Transport: f.client.Transport,
			Jar:       jar,
		},
		opts:     f.opts,
		limiters: f.limiters,
	}, nil
}

// Do sends req with rate limiting and retries on 5xx, 429 and transport errors.
func (f *HTTPFetcher) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "parse url %q", req.URL)
	}
	host := strings.ToLower(u.Hostname())

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Form != nil {
			method = http.MethodPost
		}
	}
	var encoded string
	if req.Form != nil {
		encoded = req.Form.Encode()
	}

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		adaptive, err := f.limiters.wait(ctx, host)
		if err != nil {
			return nil, err
		}

		var body io.Reader
		if req.Form != nil {
			body = strings.NewReader(encoded)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		httpReq.Header.Set("User-Agent", f.opts.UserAgent)
		if req.Form != nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "http request")
			}
			zap.L().Warn("http request failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if attempt < f.opts.MaxRetries-1 {
				f.backoff(ctx, attempt)
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
			if resp.StatusCode == http.StatusTooManyRequests && adaptive != nil {
				adaptive.OnRateLimit(host)
			}
			zap.L().Warn("retryable status",
				zap.String("url", req.URL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if attempt < f.opts.MaxRetries-1 {
				f.backoff(ctx, attempt)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = eris.Wrap(err, "read body")
			if attempt < f.opts.MaxRetries-1 {
				f.backoff(ctx, attempt)
			}
			continue
		}
		if int64(len(data)) > f.opts.MaxBodyBytes {
			return nil, &BodyTooLargeError{URL: req.URL, Limit: f.opts.MaxBodyBytes}
		}
		if adaptive != nil {
			adaptive.OnSuccess()
		}

		ct := resp.Header.Get("Content-Type")
		return &Response{
			URL:         resp.Request.URL.String(),
			StatusCode:  resp.StatusCode,
			ContentType: ct,
			Header:      resp.Header,
			Body:        data,
		}, nil
	}

	if se, ok := lastErr.(*StatusError); ok {
		return nil, se
	}
	return nil, eris.Wrap(lastErr, "all retries exhausted")
}

func (f *HTTPFetcher) backoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(f.opts.BackoffBase) * math.Pow(2, float64(attempt)))
	d = min(d, 30*time.Second)
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// MediaType returns the lowercase media type of a Content-Type header, or "".
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
