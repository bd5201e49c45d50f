package source

import (
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/model"
)

// Vars is the data a request template is rendered with:
//
//	{{.AsOf.Format "2006/01/02"}}  {{.Param "stock_code"}}  {{.Page}}
//	{{pad 5 (.Param "stock_code")}}  {{(days -30 .AsOf).Format "02/01/2006"}}
type Vars struct {
	AsOf   time.Time
	Params map[string]string
	Page   int
}

// Param returns a target parameter or "".
func (v Vars) Param(name string) string {
	return v.Params[name]
}

// VarsFor builds template data for a target and page number.
func VarsFor(t model.Target, page int) Vars {
	return Vars{AsOf: t.AsOf, Params: t.Params, Page: page}
}

var funcs = template.FuncMap{
	"pad":   PadCode,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"days": func(n int, t time.Time) time.Time {
		return t.AddDate(0, 0, n)
	},
}

func compile(text string) (*template.Template, error) {
	t, err := template.New("request").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, eris.Wrapf(err, "template %q", text)
	}
	return t, nil
}

// Render executes one request template.
func Render(text string, v Vars) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := compile(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, v); err != nil {
		return "", eris.Wrapf(err, "render %q", text)
	}
	return b.String(), nil
}

// RenderMap renders every value of a template map.
func RenderMap(m map[string]string, v Vars) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, text := range m {
		s, err := Render(text, v)
		if err != nil {
			return nil, eris.Wrapf(err, "field %s", k)
		}
		out[k] = s
	}
	return out, nil
}

// PadCode left-pads a numeric code with zeros to width. Non-numeric codes and
// codes already at width are returned unchanged.
func PadCode(width int, code string) string {
	code = strings.TrimSpace(code)
	if code == "" || len(code) >= width {
		return code
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return code
		}
	}
	return strings.Repeat("0", width-len(code)) + code
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
