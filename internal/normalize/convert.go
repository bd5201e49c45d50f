package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
)

// convert turns cleaned text into the Go value for a canonical field type.
func convert(t model.FieldType, text string, layouts []string) (any, error) {
	switch t {
	case model.FieldInt:
		return parse.ParseInt(text)
	case model.FieldFloat:
		return parse.ParseFloat(text)
	case model.FieldBool:
		return parseBool(text)
	case model.FieldDate:
		return parseDate(text, layouts)
	default:
		return text, nil
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "t", "1", "✓", "是":
		return true, nil
	case "n", "no", "false", "f", "0", "✗", "否":
		return false, nil
	}
	return false, eris.Errorf("parse bool %q", s)
}

func parseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return model.TruncateDate(t), nil
		}
	}
	return time.Time{}, eris.Errorf("parse date %q (layouts %s)", s, strings.Join(layouts, ", "))
}

// keyPart renders a key field value; key fields are normally text.
func keyPart(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(model.DateLayout)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// fingerprint is a stable rendering of a record's values used to tell
// identical duplicates from conflicting ones.
func fingerprint(fields map[string]any) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(keyPart(fields[k]))
		b.WriteByte(0x1f)
	}
	return b.String()
}
