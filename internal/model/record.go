package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the canonical as-of date format used in keys, flags and CLI input.
const DateLayout = "2006-01-02"

// Target is one parameter set a source is fetched for.
type Target struct {
	AsOf   time.Time         `json:"as_of"`
	Params map[string]string `json:"params,omitempty"`
}

// Param returns a target parameter or "".
func (t Target) Param(name string) string {
	return t.Params[name]
}

// Label renders the target for logs and run-log rows, e.g. "2024-01-02 stock_code=00005".
func (t Target) Label() string {
	var b strings.Builder
	b.WriteString(t.AsOf.Format(DateLayout))
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(t.Params[k])
	}
	return b.String()
}

// Page is one HTTP response body kept for parsing.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// RawFetch is the unparsed output of one adapter invocation. Never persisted.
type RawFetch struct {
	SourceID  string
	Target    Target
	Pages     []Page
	FetchedAt time.Time
	// SessionRetries counts session-token re-acquisitions (form postback only).
	SessionRetries int
}

// RawValue is one parsed cell. Text is the cleaned value; footnote markers and
// other stripped annotations are kept in Flags.
type RawValue struct {
	Raw   string   `json:"raw"`
	Text  string   `json:"text"`
	Flags []string `json:"flags,omitempty"`
}

// RawRecord is one parsed row keyed by source column name, in document order.
type RawRecord struct {
	Row     int
	Columns []string
	Values  map[string]RawValue
}

// Get returns the value for a column.
func (r RawRecord) Get(col string) (RawValue, bool) {
	v, ok := r.Values[col]
	return v, ok
}

// NormalizedRecord is one canonical fact ready for storage.
type NormalizedRecord struct {
	SourceID   string              `json:"source_id"`
	LogicalKey string              `json:"logical_key"`
	AsOfDate   time.Time           `json:"as_of_date"`
	IngestedAt time.Time           `json:"ingested_at"`
	Fields     map[string]any      `json:"fields"`
	Flags      map[string][]string `json:"flags,omitempty"`
}

// Batch is the ordered output of one normalizer pass for one source, as-of date and target.
type Batch struct {
	SourceID string
	Category Category
	AsOfDate time.Time
	Target   Target
	Records  []NormalizedRecord
}

// Validate checks the batch invariant: every record shares source_id and as_of_date
// and no logical key appears twice.
func (b *Batch) Validate() error {
	seen := make(map[string]struct{}, len(b.Records))
	for i, r := range b.Records {
		if r.SourceID != b.SourceID {
			return eris.Errorf("batch: record %d has source %q, batch is %q", i, r.SourceID, b.SourceID)
		}
		if !r.AsOfDate.Equal(b.AsOfDate) {
			return eris.Errorf("batch: record %d as_of_date %s differs from batch %s",
				i, r.AsOfDate.Format(DateLayout), b.AsOfDate.Format(DateLayout))
		}
		if _, dup := seen[r.LogicalKey]; dup {
			return eris.Errorf("batch: duplicate logical key %q", r.LogicalKey)
		}
		seen[r.LogicalKey] = struct{}{}
	}
	return nil
}

// Keys returns the logical keys in batch order.
func (b *Batch) Keys() []string {
	out := make([]string, len(b.Records))
	for i, r := range b.Records {
		out[i] = r.LogicalKey
	}
	return out
}

// TruncateDate drops the clock part of t, in UTC.
func TruncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse date %q", s)
	}
	return t, nil
}
