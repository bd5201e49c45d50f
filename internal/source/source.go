// Package source defines the per-source mapping tables that drive ingestion:
// how to request a page, how to parse it and how its columns map onto the
// canonical schema of the source's category. Sources are data, loaded from
// YAML, so upstream renames are patched without touching pipeline code.
package source

import (
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
)

// Kind selects the adapter strategy for a source.
type Kind string

const (
	KindStaticHTML    Kind = "static_html"
	KindPaginatedHTML Kind = "paginated_html"
	KindSpreadsheet   Kind = "spreadsheet"
	KindFormPostback  Kind = "form_postback"
	KindJSONAPI       Kind = "json_api"
)

// Kinds lists every adapter kind.
func Kinds() []Kind {
	return []Kind{KindStaticHTML, KindPaginatedHTML, KindSpreadsheet, KindFormPostback, KindJSONAPI}
}

// Cadence describes how often a source publishes.
type Cadence string

const (
	Daily     Cadence = "daily"
	Weekly    Cadence = "weekly"
	Monthly   Cadence = "monthly"
	Quarterly Cadence = "quarterly"
)

// DefaultMaxPages bounds paginated sources without an explicit max_pages.
const DefaultMaxPages = 50

// Source is one upstream origin. Immutable after load.
type Source struct {
	ID          string         `yaml:"id"`
	Category    model.Category `yaml:"category"`
	Cadence     Cadence        `yaml:"cadence"`
	Kind        Kind           `yaml:"kind"`
	Description string         `yaml:"description"`
	Request     Request        `yaml:"request"`
	Parse       parse.Hint     `yaml:"parse"`
	Mapping     Mapping        `yaml:"mapping"`
	// Targets lists the parameter sets fetched for each as-of date. A source
	// without targets is fetched once per date.
	Targets []map[string]string `yaml:"targets"`
}

// Request describes the HTTP exchange. URL, form values and headers are
// text/template strings rendered against a target (see Render).
type Request struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Form    map[string]string `yaml:"form"`
	Headers map[string]string `yaml:"headers"`

	// Link enables discovery: the landing page is fetched first and the
	// first matching link is fetched in place of URL.
	Link *Link `yaml:"link"`

	// Session configures stateful form postback.
	Session *Session `yaml:"session"`

	FirstPage int `yaml:"first_page"`
	MaxPages  int `yaml:"max_pages"`
}

// Link locates the current file on a landing page.
type Link struct {
	URL     string `yaml:"url"`
	Pattern string `yaml:"pattern"`
}

// Session describes how a postback form hands out tokens and how the server
// says it rejected them.
type Session struct {
	// FormURL is the page carrying the hidden fields; defaults to Request.URL.
	FormURL string `yaml:"form_url"`
	FormID  string `yaml:"form_id"`

	RejectStatus  []int    `yaml:"reject_status"`
	RejectMarkers []string `yaml:"reject_markers"`
	// RejectURL matches the final URL after redirects (an error page).
	RejectURL string `yaml:"reject_url"`
}

// Mapping turns parsed rows into canonical records. Column synonyms live in
// the parse hint; Mapping covers everything else.
type Mapping struct {
	// KeyFields overrides the category's logical key fields.
	KeyFields []string `yaml:"key_fields"`

	Constants  map[string]string `yaml:"constants"`
	FromParams map[string]string `yaml:"from_params"`
	FromMeta   map[string]string `yaml:"from_meta"`

	AsOf *AsOfRule `yaml:"as_of"`

	DateLayouts []string          `yaml:"date_layouts"`
	PadCodes    map[string]int    `yaml:"pad_codes"`
	Extract     map[string]string `yaml:"extract"`
	BlankValues []string          `yaml:"blank_values"`

	// Ratios fill a percentage field the row leaves blank.
	Ratios map[string]Ratio `yaml:"ratios"`
}

// Ratio derives a percentage as numerator field / denominator meta * 100.
type Ratio struct {
	Numerator   string `yaml:"numerator"`
	Denominator string `yaml:"denominator_meta"`
}

// AsOfRule derives the as-of date from the document instead of the target:
// either a meta value or a row column (header synonyms).
type AsOfRule struct {
	Meta    string   `yaml:"meta"`
	Columns []string `yaml:"columns"`
	Layout  string   `yaml:"layout"`
}

// DefaultDateLayouts are tried when a mapping names none.
var DefaultDateLayouts = []string{
	model.DateLayout,
	"2006/01/02",
	"20060102",
	"02/01/2006",
	"2006.01.02",
}

// Layouts returns the date layouts for the mapping.
func (m Mapping) Layouts() []string {
	if len(m.DateLayouts) > 0 {
		return m.DateLayouts
	}
	return DefaultDateLayouts
}

// Schema returns the canonical schema for the source's category.
func (s *Source) Schema() model.Schema {
	schema, _ := model.SchemaFor(s.Category)
	return schema
}

// KeyFields returns the logical key fields, honoring a mapping override.
func (s *Source) KeyFields() []string {
	if len(s.Mapping.KeyFields) > 0 {
		return s.Mapping.KeyFields
	}
	return s.Schema().KeyFields
}

// Host returns the host the source is fetched from.
func (s *Source) Host() string {
	u := s.Request.URL
	if s.Request.Link != nil {
		u = s.Request.Link.URL
	}
	if i := strings.Index(u, "{{"); i >= 0 {
		u = u[:i]
	}
	return hostOf(u)
}

// Expand returns the fetch targets of the source for one as-of date.
func (s *Source) Expand(asOf time.Time) []model.Target {
	asOf = model.TruncateDate(asOf)
	if len(s.Targets) == 0 {
		return []model.Target{{AsOf: asOf}}
	}
	out := make([]model.Target, 0, len(s.Targets))
	for _, params := range s.Targets {
		out = append(out, model.Target{AsOf: asOf, Params: maps.Clone(params)})
	}
	return out
}

// Validate checks the source for internal consistency. Required fields that
// only a parse column supplies are added to Parse.Required, so a header
// without them is a schema mismatch.
func (s *Source) Validate() error {
	if s.ID == "" {
		return eris.New("source: missing id")
	}
	fail := func(format string, args ...any) error {
		return eris.Errorf("source %s: "+format, append([]any{s.ID}, args...)...)
	}

	schema, err := model.SchemaFor(s.Category)
	if err != nil {
		return fail("%v", err)
	}
	switch s.Cadence {
	case Daily, Weekly, Monthly, Quarterly:
	default:
		return fail("unknown cadence %q", s.Cadence)
	}
	if !slices.Contains(Kinds(), s.Kind) {
		return fail("unknown kind %q", s.Kind)
	}
	if err := s.Parse.Validate(); err != nil {
		return fail("%v", err)
	}
	if err := s.validateRequest(); err != nil {
		return fail("%v", err)
	}

	for canonical := range s.Parse.Columns {
		if _, ok := schema.Field(canonical); !ok {
			return fail("column %q is not a %s field", canonical, s.Category)
		}
	}
	for _, group := range []map[string]string{s.Mapping.Constants, s.Mapping.FromParams, s.Mapping.FromMeta, s.Mapping.Extract} {
		for field := range group {
			if _, ok := schema.Field(field); !ok {
				return fail("mapping field %q is not a %s field", field, s.Category)
			}
		}
	}
	for field := range s.Mapping.PadCodes {
		if _, ok := schema.Field(field); !ok {
			return fail("pad_codes field %q is not a %s field", field, s.Category)
		}
	}
	for field, pattern := range s.Mapping.Extract {
		if _, err := regexp.Compile(pattern); err != nil {
			return fail("extract %s: %v", field, err)
		}
	}
	for field, r := range s.Mapping.Ratios {
		if f, ok := schema.Field(field); !ok || f.Type != model.FieldFloat {
			return fail("ratio %q is not a decimal %s field", field, s.Category)
		}
		if f, ok := schema.Field(r.Numerator); !ok || (f.Type != model.FieldInt && f.Type != model.FieldFloat) {
			return fail("ratio %s: numerator %q is not a numeric field", field, r.Numerator)
		}
		if !s.hasMeta(r.Denominator) {
			return fail("ratio %s: no meta named %q", field, r.Denominator)
		}
	}
	for _, k := range s.KeyFields() {
		if _, ok := schema.Field(k); !ok {
			return fail("key field %q is not a %s field", k, s.Category)
		}
	}

	provided := s.providedFields()
	var missing []string
	for _, f := range schema.RequiredFields() {
		if !provided[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fail("required fields not mapped: %s", strings.Join(missing, ", "))
	}

	s.Parse.Required = s.requiredColumns(schema)

	for field, meta := range s.Mapping.FromMeta {
		if !s.hasMeta(meta) {
			return fail("from_meta %s: no meta named %q", field, meta)
		}
	}
	if r := s.Mapping.AsOf; r != nil {
		if (r.Meta == "") == (len(r.Columns) == 0) {
			return fail("as_of needs exactly one of meta, columns")
		}
		if r.Meta != "" && !s.hasMeta(r.Meta) {
			return fail("as_of: no meta named %q", r.Meta)
		}
	}
	for i, params := range s.Targets {
		for _, p := range s.Mapping.FromParams {
			if _, ok := params[p]; !ok {
				return fail("target %d lacks param %q", i, p)
			}
		}
	}
	if len(s.Targets) == 0 && len(s.Mapping.FromParams) > 0 {
		return fail("from_params needs targets")
	}
	return nil
}

func (s *Source) validateRequest() error {
	r := s.Request
	switch strings.ToUpper(r.Method) {
	case "", "GET", "POST":
	default:
		return eris.Errorf("unsupported method %q", r.Method)
	}
	if r.URL == "" {
		return eris.New("request url required")
	}
	if r.Link != nil {
		if r.Link.URL == "" || r.Link.Pattern == "" {
			return eris.New("link needs url and pattern")
		}
		if _, err := regexp.Compile(r.Link.Pattern); err != nil {
			return eris.Wrap(err, "link pattern")
		}
	}
	for _, tmpl := range r.templates() {
		if _, err := compile(tmpl); err != nil {
			return err
		}
	}

	switch s.Kind {
	case KindFormPostback:
		if r.Session == nil {
			return eris.New("form_postback needs a session block")
		}
		if r.Session.RejectURL != "" {
			if _, err := regexp.Compile(r.Session.RejectURL); err != nil {
				return eris.Wrap(err, "session reject_url")
			}
		}
	case KindPaginatedHTML:
		if !strings.Contains(r.URL, ".Page") && !formUsesPage(r.Form) {
			return eris.New("paginated_html needs {{.Page}} in url or form")
		}
		if s.Parse.Format != parse.FormatHTML {
			return eris.New("paginated_html needs an html parse hint")
		}
		if s.Parse.RowClass != "" {
			return eris.New("paginated_html reads tables, not row_class blocks")
		}
		if r.MaxPages < 0 {
			return eris.New("max_pages must be >= 0")
		}
	case KindJSONAPI:
		if s.Parse.Format != parse.FormatJSON {
			return eris.New("json_api needs a json parse hint")
		}
	}
	return nil
}

func formUsesPage(form map[string]string) bool {
	for _, v := range form {
		if strings.Contains(v, ".Page") {
			return true
		}
	}
	return false
}

// PageLimit returns the effective max_pages.
func (r Request) PageLimit() int {
	if r.MaxPages > 0 {
		return r.MaxPages
	}
	return DefaultMaxPages
}

func (r Request) templates() []string {
	out := []string{r.URL}
	for _, v := range r.Form {
		out = append(out, v)
	}
	for _, v := range r.Headers {
		out = append(out, v)
	}
	if r.Link != nil {
		out = append(out, r.Link.URL)
	}
	if r.Session != nil && r.Session.FormURL != "" {
		out = append(out, r.Session.FormURL)
	}
	return out
}

func (s *Source) providedFields() map[string]bool {
	provided := map[string]bool{}
	for f, syns := range s.Parse.Columns {
		if len(syns) > 0 {
			provided[f] = true
		}
	}
	for _, group := range []map[string]string{s.Mapping.Constants, s.Mapping.FromParams, s.Mapping.FromMeta} {
		for f := range group {
			provided[f] = true
		}
	}
	return provided
}

// requiredColumns returns Parse.Required plus every required schema field
// with column synonyms and no constant, param or meta fallback.
func (s *Source) requiredColumns(schema model.Schema) []string {
	out := slices.Clone(s.Parse.Required)
	for _, f := range schema.RequiredFields() {
		if len(s.Parse.Columns[f]) == 0 || slices.Contains(out, f) {
			continue
		}
		_, isConst := s.Mapping.Constants[f]
		_, isParam := s.Mapping.FromParams[f]
		_, isMeta := s.Mapping.FromMeta[f]
		if isConst || isParam || isMeta {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (s *Source) hasMeta(name string) bool {
	for _, m := range s.Parse.Meta {
		if m.Name == name {
			return true
		}
	}
	return false
}
