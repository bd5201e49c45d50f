package parse

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/width"
)

// CleanText folds full-width characters, trims and collapses whitespace.
func CleanText(s string) string {
	s = width.Fold.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// footnote markers that trail a value and carry meaning of their own.
var trailingMarkers = []string{"*", "#", "^", "†", "‡", "¹", "²", "³", "⁴", "⁵", "⁶", "⁷", "⁸", "⁹", "⁰"}

// SplitMarkers removes trailing footnote markers from a cleaned value and
// returns them in the order they appeared.
func SplitMarkers(s string) (string, []string) {
	var flags []string
	for {
		trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
		found := false
		for _, m := range trailingMarkers {
			if strings.HasSuffix(trimmed, m) {
				flags = append(flags, m)
				s = strings.TrimSuffix(trimmed, m)
				found = true
				break
			}
		}
		if !found {
			s = trimmed
			break
		}
	}
	for i, j := 0, len(flags)-1; i < j; i, j = i+1, j-1 {
		flags[i], flags[j] = flags[j], flags[i]
	}
	return s, flags
}

// NormalizeLabel lowercases and drops whitespace and punctuation so header
// spellings like "Stock Code", "stock_code" and "STOCK CODE:" compare equal.
func NormalizeLabel(s string) string {
	s = CleanText(s)
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsBlank reports whether a cleaned value means "no value".
func IsBlank(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "-", "--", "n/a", "na", "nil", "null", "—":
		return true
	}
	return false
}

var currencyPrefixes = []string{"HK$", "US$", "RMB", "CNY", "HKD", "USD", "KRW", "$", "¥", "￥", "₩"}

// numericText strips separators, currency symbols and percent signs and turns
// a parenthesised value into a leading minus.
func numericText(s string) (string, error) {
	s = CleanText(s)
	s, _ = SplitMarkers(s)
	if IsBlank(s) {
		return "", eris.New("empty")
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	for _, p := range currencyPrefixes {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return "", eris.New("empty")
	}
	if neg {
		if strings.HasPrefix(s, "-") {
			return "", eris.Errorf("double negative %q", s)
		}
		s = "-" + s
	}
	return s, nil
}

// ParseFloat parses "1,234.5", "(12.3)", "5.12%", "HK$3.4" and similar.
func ParseFloat(s string) (float64, error) {
	t, err := numericText(s)
	if err != nil {
		return 0, eris.Wrapf(err, "parse number %q", s)
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, eris.Errorf("parse number %q: not numeric", s)
	}
	return f, nil
}

// ParseInt parses whole numbers with the same tolerances as ParseFloat.
// "1,000.00" is accepted; "10.5" is not.
func ParseInt(s string) (int64, error) {
	t, err := numericText(s)
	if err != nil {
		return 0, eris.Wrapf(err, "parse integer %q", s)
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, eris.Errorf("parse integer %q: not a whole number", s)
	}
	return int64(f), nil
}

// stripLabel removes a "Label: value" prefix when the label matches the
// column header. Responsive exchange pages repeat the header inside each cell.
func stripLabel(text, header string) string {
	i := strings.IndexAny(text, ":：")
	if i <= 0 || header == "" {
		return text
	}
	if NormalizeLabel(text[:i]) != NormalizeLabel(header) {
		return text
	}
	_, size := firstRune(text[i:])
	return strings.TrimSpace(text[i+size:])
}

func firstRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}
