// Package normalize maps parsed rows onto the canonical schema of a source's
// category, derives logical keys and as-of dates, and rejects invalid or
// conflicting records without failing the batch.
package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/parse"
	"github.com/sells-group/refdata/internal/source"
)

// KeySeparator joins multi-field logical keys.
const KeySeparator = "|"

// Normalizer converts parser output into batches.
type Normalizer struct {
	now func() time.Time
}

// New creates a Normalizer stamping records with the current time.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// mapper holds the per-call state derived from the source configuration.
type mapper struct {
	src     *source.Source
	schema  model.Schema
	keys    []string
	layouts []string
	extract map[string]*regexp.Regexp
	blank   map[string]bool
	fixed   map[string]model.RawValue
	denoms  map[string]float64           // ratio field → denominator
	columns map[string]map[string]string // header signature → canonical → column
}

// Normalize maps parsed rows for one source and target into a batch. Records
// that fail validation are left out and returned as ValidationErrors. An
// error is returned only when the batch as a whole cannot be dated.
func (n *Normalizer) Normalize(parsed *parse.Parsed, src *source.Source, target model.Target) (*model.Batch, []*model.ValidationError, error) {
	m, err := newMapper(src, parsed, target)
	if err != nil {
		return nil, nil, err
	}
	log := zap.L().With(zap.String("component", "normalize"), zap.String("source", src.ID))

	asOf, dateCol, err := m.batchDate(parsed, target)
	if err != nil {
		return nil, nil, err
	}
	ingested := n.now().UTC()

	var (
		rejects []*model.ValidationError
		order   []string
		byKey   = map[string]*entry{}
	)
	for _, rec := range parsed.Records {
		if dateCol != nil {
			d, verr := m.rowDate(rec, dateCol)
			if verr != nil {
				rejects = append(rejects, verr)
				continue
			}
			if asOf.IsZero() {
				asOf = d
			}
			if !d.Equal(asOf) {
				rejects = append(rejects, m.invalid(rec.Row, "", "as_of_date",
					"row date "+d.Format(model.DateLayout)+" differs from batch date "+asOf.Format(model.DateLayout)))
				continue
			}
		}

		nr, verr := m.record(rec)
		if verr != nil {
			rejects = append(rejects, verr)
			continue
		}
		nr.SourceID = src.ID
		nr.IngestedAt = ingested

		e, seen := byKey[nr.LogicalKey]
		if !seen {
			e = &entry{}
			byKey[nr.LogicalKey] = e
			order = append(order, nr.LogicalKey)
		}
		e.add(rec.Row, nr)
	}
	if asOf.IsZero() {
		asOf = model.TruncateDate(target.AsOf)
	}

	batch := &model.Batch{SourceID: src.ID, Category: src.Category, AsOfDate: asOf, Target: target}
	for _, key := range order {
		e := byKey[key]
		if e.conflict {
			for _, row := range e.rows {
				rejects = append(rejects, m.invalid(row, key, "", "conflicting duplicate of logical key"))
			}
			continue
		}
		rec := e.last
		rec.AsOfDate = asOf
		batch.Records = append(batch.Records, rec)
	}
	sort.SliceStable(batch.Records, func(i, j int) bool {
		return batch.Records[i].LogicalKey < batch.Records[j].LogicalKey
	})
	sort.SliceStable(rejects, func(i, j int) bool { return rejects[i].Row < rejects[j].Row })

	if err := batch.Validate(); err != nil {
		return nil, nil, eris.Wrapf(err, "normalize %s", src.ID)
	}
	log.Debug("normalized",
		zap.String("as_of", asOf.Format(model.DateLayout)),
		zap.Int("rows", len(parsed.Records)),
		zap.Int("records", len(batch.Records)),
		zap.Int("rejected", len(rejects)),
	)
	return batch, rejects, nil
}

// entry tracks every occurrence of one logical key.
type entry struct {
	rows     []int
	last     model.NormalizedRecord
	print    string
	conflict bool
}

func (e *entry) add(row int, rec model.NormalizedRecord) {
	p := fingerprint(rec.Fields)
	if len(e.rows) > 0 && p != e.print {
		e.conflict = true
	}
	e.rows = append(e.rows, row)
	e.last = rec
	e.print = p
}

func newMapper(src *source.Source, parsed *parse.Parsed, target model.Target) (*mapper, error) {
	schema, err := model.SchemaFor(src.Category)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize %s", src.ID)
	}
	mp := src.Mapping
	m := &mapper{
		src:     src,
		schema:  schema,
		keys:    src.KeyFields(),
		layouts: mp.Layouts(),
		extract: make(map[string]*regexp.Regexp, len(mp.Extract)),
		blank:   make(map[string]bool, len(mp.BlankValues)),
		fixed:   map[string]model.RawValue{},
		denoms:  map[string]float64{},
		columns: map[string]map[string]string{},
	}
	for field, pattern := range mp.Extract {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize %s: extract %s", src.ID, field)
		}
		m.extract[field] = re
	}
	for _, b := range mp.BlankValues {
		m.blank[parse.NormalizeLabel(b)] = true
	}
	for field, v := range mp.Constants {
		m.fixed[field] = model.RawValue{Raw: v, Text: v}
	}
	for field, p := range mp.FromParams {
		v := target.Param(p)
		m.fixed[field] = model.RawValue{Raw: v, Text: parse.CleanText(v)}
	}
	for field, name := range mp.FromMeta {
		if v, ok := parsed.Meta[name]; ok {
			m.fixed[field] = v
		}
	}
	for field, r := range mp.Ratios {
		v, ok := parsed.Meta[r.Denominator]
		if !ok {
			continue
		}
		if d, err := parse.ParseFloat(v.Text); err == nil && d > 0 {
			m.denoms[field] = d
		}
	}
	return m, nil
}

// derive fills blank ratio fields from their numerator and the document's
// denominator.
func (m *mapper) derive(fields map[string]any) {
	for field, r := range m.src.Mapping.Ratios {
		d, ok := m.denoms[field]
		if !ok || fields[field] != nil {
			continue
		}
		switch n := fields[r.Numerator].(type) {
		case int64:
			fields[field] = float64(n) / d * 100
		case float64:
			fields[field] = n / d * 100
		}
	}
}

// batchDate returns the as-of date fixed for the whole batch, or the header
// synonyms of a per-row date column when the rule reads dates from rows.
func (m *mapper) batchDate(parsed *parse.Parsed, target model.Target) (time.Time, []string, error) {
	rule := m.src.Mapping.AsOf
	switch {
	case rule == nil:
		return model.TruncateDate(target.AsOf), nil, nil
	case rule.Meta != "":
		v, ok := parsed.Meta[rule.Meta]
		if !ok || parse.IsBlank(v.Text) {
			return time.Time{}, nil, &model.SchemaMismatchError{
				Source: m.src.ID, Missing: []string{rule.Meta}, Reason: "as-of date not found in document",
			}
		}
		d, err := parseDate(v.Text, m.dateLayouts())
		if err != nil {
			return time.Time{}, nil, &model.ValidationError{
				Source: m.src.ID, Field: "as_of_date", Reason: err.Error(),
			}
		}
		return d, nil, nil
	default:
		return time.Time{}, rule.Columns, nil
	}
}

func (m *mapper) dateLayouts() []string {
	if r := m.src.Mapping.AsOf; r != nil && r.Layout != "" {
		return []string{r.Layout}
	}
	return m.layouts
}

func (m *mapper) rowDate(rec model.RawRecord, synonyms []string) (time.Time, *model.ValidationError) {
	col, ok := matchColumn(rec.Columns, synonyms)
	if !ok {
		return time.Time{}, m.invalid(rec.Row, "", "as_of_date", "no date column")
	}
	v, _ := rec.Get(col)
	if parse.IsBlank(v.Text) {
		return time.Time{}, m.invalid(rec.Row, "", "as_of_date", "missing row date")
	}
	d, err := parseDate(v.Text, m.dateLayouts())
	if err != nil {
		return time.Time{}, m.invalid(rec.Row, "", "as_of_date", err.Error())
	}
	return d, nil
}

// resolve maps canonical fields to the record's column names via the source's
// synonym table. Results are cached per header layout.
func (m *mapper) resolve(columns []string) map[string]string {
	sig := strings.Join(columns, "\x1f")
	if r, ok := m.columns[sig]; ok {
		return r
	}
	r := make(map[string]string, len(m.src.Parse.Columns))
	for canonical, synonyms := range m.src.Parse.Columns {
		if col, ok := matchColumn(columns, synonyms); ok {
			r[canonical] = col
		}
	}
	m.columns[sig] = r
	return r
}

func matchColumn(columns, synonyms []string) (string, bool) {
	for _, syn := range synonyms {
		want := parse.NormalizeLabel(syn)
		for _, c := range columns {
			if parse.NormalizeLabel(c) == want {
				return c, true
			}
		}
	}
	return "", false
}

// record converts one row. The first invalid field rejects the row.
func (m *mapper) record(rec model.RawRecord) (model.NormalizedRecord, *model.ValidationError) {
	cols := m.resolve(rec.Columns)
	out := model.NormalizedRecord{Fields: make(map[string]any, len(m.schema.Fields))}

	type failure struct{ field, reason string }
	var first *failure

	for _, f := range m.schema.Fields {
		raw, present := m.lookup(rec, cols, f.Name)
		text := raw.Text
		if present && !m.isBlank(text) {
			if re := m.extract[f.Name]; re != nil {
				sub := re.FindStringSubmatch(text)
				switch {
				case sub == nil:
					if first == nil {
						first = &failure{f.Name, "value " + strconv.Quote(text) + " does not match " + re.String()}
					}
					continue
				case len(sub) > 1:
					text = sub[1]
				default:
					text = sub[0]
				}
			}
		}
		if !present || m.isBlank(text) {
			out.Fields[f.Name] = nil
			if f.Required && first == nil {
				first = &failure{f.Name, "missing required field"}
			}
			continue
		}
		if width, ok := m.src.Mapping.PadCodes[f.Name]; ok {
			text = source.PadCode(width, text)
		}
		v, err := convert(f.Type, text, m.layouts)
		if err != nil {
			if first == nil {
				first = &failure{f.Name, err.Error()}
			}
			continue
		}
		out.Fields[f.Name] = v
		if len(raw.Flags) > 0 {
			if out.Flags == nil {
				out.Flags = map[string][]string{}
			}
			out.Flags[f.Name] = append([]string(nil), raw.Flags...)
		}
	}

	m.derive(out.Fields)
	out.LogicalKey = m.logicalKey(out.Fields)
	if first == nil {
		for _, k := range m.keys {
			if out.Fields[k] == nil {
				first = &failure{k, "missing key field"}
				break
			}
		}
	}
	if first != nil {
		return model.NormalizedRecord{}, m.invalid(rec.Row, out.LogicalKey, first.field, first.reason)
	}
	return out, nil
}

// lookup finds a field's value: the row's column first, then constants,
// target params and document meta.
func (m *mapper) lookup(rec model.RawRecord, cols map[string]string, field string) (model.RawValue, bool) {
	if col, ok := cols[field]; ok {
		if v, ok := rec.Get(col); ok && !m.isBlank(v.Text) {
			return v, true
		}
	}
	v, ok := m.fixed[field]
	return v, ok
}

func (m *mapper) isBlank(s string) bool {
	return parse.IsBlank(s) || m.blank[parse.NormalizeLabel(s)]
}

func (m *mapper) logicalKey(fields map[string]any) string {
	parts := make([]string, len(m.keys))
	for i, k := range m.keys {
		parts[i] = keyPart(fields[k])
	}
	return strings.Join(parts, KeySeparator)
}

func (m *mapper) invalid(row int, key, field, reason string) *model.ValidationError {
	return &model.ValidationError{Source: m.src.ID, Row: row, LogicalKey: key, Field: field, Reason: reason}
}
