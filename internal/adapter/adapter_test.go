package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/refdata/internal/fetcher"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
	"github.com/sells-group/refdata/internal/resilience"
	"github.com/sells-group/refdata/internal/source"
)

func newAdapter() *Adapter {
	return New(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		Timeout:     5 * time.Second,
		RateLimiters: map[string]*rate.Limiter{
			"127.0.0.1": rate.NewLimiter(rate.Inf, 1),
		},
	}))
}

func target() model.Target {
	return model.Target{AsOf: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Params: map[string]string{"stock_code": "5"}}
}

func htmlHint() parse.Hint {
	return parse.Hint{
		Format:   parse.FormatHTML,
		Columns:  map[string][]string{"stock_code": {"Stock Code"}},
		Required: []string{"stock_code"},
	}
}

func table(codes ...string) string {
	var b strings.Builder
	b.WriteString("<table><tr><th>Stock Code</th><th>Name</th></tr>")
	for _, c := range codes {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>Name %s</td></tr>", c, c)
	}
	b.WriteString("</table>")
	return b.String()
}

func TestFetch_StaticHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(table("1", "5")))
	}))
	defer srv.Close()

	src := &source.Source{ID: "HKEX.ShortSellEligible", Kind: source.KindStaticHTML, Request: source.Request{URL: srv.URL + "/list"}, Parse: htmlHint()}
	raw, err := newAdapter().Fetch(context.Background(), src, target())
	require.NoError(t, err)

	assert.Equal(t, "HKEX.ShortSellEligible", raw.SourceID)
	assert.Equal(t, target().AsOf, raw.Target.AsOf)
	require.Len(t, raw.Pages, 1)
	assert.Equal(t, srv.URL+"/list", raw.Pages[0].URL)
	assert.Contains(t, raw.Pages[0].ContentType, "text/html")
	assert.Contains(t, string(raw.Pages[0].Body), "Name 5")
	assert.False(t, raw.FetchedAt.IsZero())
	assert.Zero(t, raw.SessionRetries)
}

func TestFetch_LinkDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<a href="/files/report.pdf">pdf</a><a href="/files/report_20240102.csv">csv</a><a href="/files/old.csv">old</a>`))
	})
	mux.HandleFunc("/files/report_20240102.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("Date,Stock Code\n02/01/2024,5\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := &source.Source{
		ID:   "SFC.ShortPositions",
		Kind: source.KindSpreadsheet,
		Request: source.Request{
			URL:  srv.URL + "/landing",
			Link: &source.Link{URL: srv.URL + "/landing", Pattern: `\.csv$`},
		},
	}
	raw, err := newAdapter().Fetch(context.Background(), src, target())
	require.NoError(t, err)
	require.Len(t, raw.Pages, 1)
	assert.Equal(t, srv.URL+"/files/report_20240102.csv", raw.Pages[0].URL)
	assert.Contains(t, string(raw.Pages[0].Body), "Stock Code")

	src.Request.Link.Pattern = `\.xlsx$`
	_, err = newAdapter().Fetch(context.Background(), src, target())
	var fe *model.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Reason, "no link matching")
	assert.False(t, fe.Transient)
}

func TestFetch_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/"))
		w.WriteHeader(code)
	}))
	defer srv.Close()

	tests := []struct {
		code      int
		transient bool
	}{
		{404, false},
		{403, false},
		{503, true},
		{429, true},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			src := &source.Source{ID: "X", Kind: source.KindJSONAPI, Request: source.Request{URL: srv.URL + "/" + strconv.Itoa(tt.code)}}
			_, err := newAdapter().Fetch(context.Background(), src, target())
			var fe *model.FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, "X", fe.Source)
			assert.Equal(t, tt.code, fe.StatusCode)
			assert.Equal(t, tt.transient, fe.Transient)
		})
	}
}

func TestFetch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	src := &source.Source{ID: "X", Kind: source.KindStaticHTML, Request: source.Request{URL: u}}
	_, err := newAdapter().Fetch(context.Background(), src, target())
	var fe *model.FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Transient)
	assert.Zero(t, fe.StatusCode)
}

func TestFetch_OversizedBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(table("5", "700", "941")))
	}))
	defer srv.Close()

	a := New(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		MaxRetries:   1,
		MaxBodyBytes: 100,
		RateLimiters: map[string]*rate.Limiter{"127.0.0.1": rate.NewLimiter(rate.Inf, 1)},
	}))
	src := &source.Source{ID: "X", Kind: source.KindStaticHTML, Request: source.Request{URL: srv.URL}, Parse: htmlHint()}
	_, err := a.Fetch(context.Background(), src, target())

	var fe *model.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "X", fe.Source)
	assert.False(t, fe.Transient)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, "response exceeds 100 bytes", fe.Reason)
}

func TestFetch_JSONPostForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "dbms/MDC/STAT/standard/MDCSTAT02301", r.PostForm.Get("bld"))
		assert.Equal(t, "20240102", r.PostForm.Get("strtDd"))
		assert.Equal(t, "KR7005930003", r.PostForm.Get("isuCd"))
		assert.Equal(t, "http://data.krx.co.kr/", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":[{"INVST_TP_NM":"Individual"}]}`))
	}))
	defer srv.Close()

	src := &source.Source{
		ID:   "KRX.InvestorTrading",
		Kind: source.KindJSONAPI,
		Request: source.Request{
			Method: "post",
			URL:    srv.URL,
			Form: map[string]string{
				"bld":    "dbms/MDC/STAT/standard/MDCSTAT02301",
				"isuCd":  `{{.Param "issue_id"}}`,
				"strtDd": `{{.AsOf.Format "20060102"}}`,
			},
			Headers: map[string]string{"Referer": "http://data.krx.co.kr/"},
		},
	}
	tg := target()
	tg.Params = map[string]string{"issue_id": "KR7005930003"}
	raw, err := newAdapter().Fetch(context.Background(), src, tg)
	require.NoError(t, err)
	assert.Contains(t, string(raw.Pages[0].Body), "Individual")
}

func TestFetch_GetFormBecomesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "COMMON", r.URL.Query().Get("sqlId"))
		assert.Equal(t, "2024-01-02", r.URL.Query().Get("date"))
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer srv.Close()

	src := &source.Source{
		ID:   "SSE.SouthboundEligible",
		Kind: source.KindJSONAPI,
		Request: source.Request{
			URL:  srv.URL + "/commonQuery.do?sqlId=COMMON",
			Form: map[string]string{"date": `{{.AsOf.Format "2006-01-02"}}`},
		},
	}
	_, err := newAdapter().Fetch(context.Background(), src, target())
	require.NoError(t, err)
}

func paginatedSource(url string, maxPages int) *source.Source {
	return &source.Source{
		ID:   "HKEX.DisclosureOfInterests",
		Kind: source.KindPaginatedHTML,
		Request: source.Request{
			URL:      url + "/list?pg={{.Page}}",
			MaxPages: maxPages,
		},
		Parse: htmlHint(),
	}
}

func TestFetch_PaginatedStopsOnEmptyPage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Query().Get("pg") {
		case "0":
			_, _ = w.Write([]byte(table("1", "2")))
		case "1":
			_, _ = w.Write([]byte(table("3")))
		default:
			_, _ = w.Write([]byte(table()))
		}
	}))
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), paginatedSource(srv.URL, 10), target())
	require.NoError(t, err)
	assert.Len(t, raw.Pages, 2)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetch_PaginatedStopsOnRepeatedPage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Server-side paging bug: every page number returns the same rows.
		_, _ = w.Write([]byte(table("1", "2")))
	}))
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), paginatedSource(srv.URL, 10), target())
	require.NoError(t, err)
	assert.Len(t, raw.Pages, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_PaginatedMaxPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(table("p" + r.URL.Query().Get("pg"))))
	}))
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), paginatedSource(srv.URL, 3), target())
	require.NoError(t, err)
	assert.Len(t, raw.Pages, 3)
}

func TestFetch_PaginatedEmptyFirstPageKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(table()))
	}))
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), paginatedSource(srv.URL, 3), target())
	require.NoError(t, err)
	assert.Len(t, raw.Pages, 1)
}

// ccassServer imitates the CCASS search: GET hands out a view state tied to a
// session cookie; POST answers with the holdings table unless the session is
// listed in reject.
type ccassServer struct {
	sessions atomic.Int32
	posts    atomic.Int32
	reject   func(session int32) bool
}

func (s *ccassServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		n := s.sessions.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: strconv.Itoa(int(n))})
		fmt.Fprintf(w, `<form id="form1" method="post">
<input type="hidden" name="__VIEWSTATE" value="vs-%d"/>
<input type="hidden" name="__EVENTTARGET" value=""/>
<input type="hidden" name="__EVENTVALIDATION" value="ev-%d"/>
<input type="text" name="txtStockCode" value=""/></form>`, n, n)
	case http.MethodPost:
		s.posts.Add(1)
		_ = r.ParseForm()
		cookie, err := r.Cookie("ASP.NET_SessionId")
		if err != nil || r.PostForm.Get("__VIEWSTATE") != "vs-"+cookie.Value {
			_, _ = w.Write([]byte("<p>Your session has expired. Please search again.</p>"))
			return
		}
		n, _ := strconv.Atoi(cookie.Value)
		if s.reject != nil && s.reject(int32(n)) {
			_, _ = w.Write([]byte("<p>Your session has expired. Please search again.</p>"))
			return
		}
		if r.PostForm.Get("__EVENTTARGET") != "btnSearch" || r.PostForm.Get("txtStockCode") != "00005" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `<input id="txtShareholdingDate" value="%s"/>
<table><tr><th>Participant ID</th><th>Shareholding</th></tr><tr><td>C00019</td><td>1,000</td></tr></table>`,
			r.PostForm.Get("txtShareholdingDate"))
	}
}

func postbackSource(url string) *source.Source {
	return &source.Source{
		ID:   "CCASS.Shareholding",
		Kind: source.KindFormPostback,
		Request: source.Request{
			Method: "POST",
			URL:    url + "/sdw/search/searchsdw.aspx",
			Form: map[string]string{
				"__EVENTTARGET":       "btnSearch",
				"txtShareholdingDate": `{{.AsOf.Format "2006/01/02"}}`,
				"txtStockCode":        `{{pad 5 (.Param "stock_code")}}`,
			},
			Session: &source.Session{
				FormID:        "form1",
				RejectMarkers: []string{"Session has expired"},
			},
		},
	}
}

func TestFetch_PostbackAccepted(t *testing.T) {
	s := &ccassServer{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), postbackSource(srv.URL), target())
	require.NoError(t, err)
	require.Len(t, raw.Pages, 1)
	assert.Contains(t, string(raw.Pages[0].Body), "C00019")
	assert.Contains(t, string(raw.Pages[0].Body), "2024/01/02")
	assert.Zero(t, raw.SessionRetries)
	assert.Equal(t, int32(1), s.sessions.Load())
	assert.Equal(t, int32(1), s.posts.Load())
}

func TestFetch_PostbackRejectedThenAccepted(t *testing.T) {
	s := &ccassServer{reject: func(n int32) bool { return n == 1 }}
	srv := httptest.NewServer(s)
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), postbackSource(srv.URL), target())
	require.NoError(t, err)

	// Only the accepted response is kept.
	require.Len(t, raw.Pages, 1)
	assert.Contains(t, string(raw.Pages[0].Body), "C00019")
	assert.NotContains(t, string(raw.Pages[0].Body), "expired")
	assert.Equal(t, 1, raw.SessionRetries)
	assert.Equal(t, int32(2), s.sessions.Load())
	assert.Equal(t, int32(2), s.posts.Load())
}

func TestFetch_PostbackRejectedTwice(t *testing.T) {
	s := &ccassServer{reject: func(int32) bool { return true }}
	srv := httptest.NewServer(s)
	defer srv.Close()

	_, err := newAdapter().Fetch(context.Background(), postbackSource(srv.URL), target())
	var se *model.SessionExpiredError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "CCASS.Shareholding", se.Source)
	assert.Contains(t, se.Reason, "marker")
	assert.Equal(t, int32(2), s.sessions.Load())
}

func TestFetch_PostbackMarkerMatchesVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`<form id="form1"><input type="hidden" name="__VIEWSTATE" value="x"/></form>`))
			return
		}
		_, _ = w.Write([]byte("<div><b>Your session</b>\n   has\texpired.</div>"))
	}))
	defer srv.Close()

	src := postbackSource(srv.URL)
	src.Request.Session.RejectMarkers = []string{"session  has expired"}
	_, err := newAdapter().Fetch(context.Background(), src, target())
	var se *model.SessionExpiredError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "marker")
}

func TestFetch_PostbackMarkerInScriptIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`<form id="form1"><input type="hidden" name="__VIEWSTATE" value="x"/></form>`))
			return
		}
		_, _ = w.Write([]byte(`<script>var msg = "session has expired";</script>
<table><tr><th>Participant ID</th><th>Shareholding</th></tr><tr><td>C00019</td><td>1,000</td></tr></table>`))
	}))
	defer srv.Close()

	raw, err := newAdapter().Fetch(context.Background(), postbackSource(srv.URL), target())
	require.NoError(t, err)
	require.Len(t, raw.Pages, 1)
	assert.Zero(t, raw.SessionRetries)
}

func TestFetch_PostbackRejectStatusAndURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/form", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`<form id="form1"><input type="hidden" name="__VIEWSTATE" value="x"/></form>`))
			return
		}
		http.Redirect(w, r, "/error.aspx", http.StatusFound)
	})
	mux.HandleFunc("/error.aspx", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("error"))
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`<form id="form1"></form>`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := postbackSource(srv.URL)
	src.Request.URL = srv.URL + "/form"
	src.Request.Session = &source.Session{FormID: "form1", RejectURL: `(?i)/error\.aspx`}
	_, err := newAdapter().Fetch(context.Background(), src, target())
	var se *model.SessionExpiredError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Reason, "redirected")

	src.Request.URL = srv.URL + "/forbidden"
	src.Request.Session = &source.Session{FormID: "form1", RejectStatus: []int{403}}
	_, err = newAdapter().Fetch(context.Background(), src, target())
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "status 403", se.Reason)
}

func TestFetch_PostbackMissingForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<p>maintenance</p>"))
	}))
	defer srv.Close()

	_, err := newAdapter().Fetch(context.Background(), postbackSource(srv.URL), target())
	var fe *model.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "read session fields", fe.Reason)
}

func TestFetch_UnknownKind(t *testing.T) {
	_, err := newAdapter().Fetch(context.Background(), &source.Source{ID: "X", Kind: "ftp"}, target())
	var fe *model.FetchError
	require.True(t, errors.As(err, &fe))
}
