package parse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/refdata/internal/fetcher"
	"github.com/sells-group/refdata/internal/model"
)

// Parsed is the parser output for one RawFetch.
type Parsed struct {
	SourceID string
	Header   []string
	Records  []model.RawRecord
	Meta     map[string]model.RawValue
}

// Parse extracts records from every page of raw. Each page must carry a
// header matching the hint; records keep document order across pages.
func Parse(raw *model.RawFetch, hint Hint) (*Parsed, error) {
	if err := hint.Validate(); err != nil {
		return nil, err
	}
	out := &Parsed{SourceID: raw.SourceID, Meta: map[string]model.RawValue{}}
	row := 0

	for i, page := range raw.Pages {
		header, records, meta, err := parsePage(raw.SourceID, page, hint, &row)
		if err != nil {
			return nil, eris.Wrapf(err, "parse %s page %d", raw.SourceID, i+1)
		}
		if out.Header == nil {
			out.Header = header
		}
		out.Records = append(out.Records, records...)
		for k, v := range meta {
			if _, ok := out.Meta[k]; !ok {
				out.Meta[k] = v
			}
		}
	}
	return out, nil
}

func parsePage(sourceID string, page model.Page, hint Hint, row *int) ([]string, []model.RawRecord, map[string]model.RawValue, error) {
	body := page.Body
	if hint.Format != FormatXLSX {
		decoded, err := fetcher.ToUTF8(body, page.ContentType, hint.Encoding)
		if err != nil {
			return nil, nil, nil, err
		}
		body = decoded
	}

	switch hint.Format {
	case FormatJSON:
		return parseJSONPage(sourceID, body, hint, row)
	case FormatHTML:
		doc, err := parseDocument(body)
		if err != nil {
			return nil, nil, nil, err
		}
		meta, err := extractMeta(hint.Meta, func(m MetaSpec) (string, bool) {
			switch {
			case m.ID != "":
				return htmlMeta(doc, m.ID)
			case m.Class != "":
				return classMeta(doc, m.Class)
			}
			return matchPattern(m.Pattern, CleanText(textContent(doc)))
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if hint.RowClass != "" {
			grid := blockGrid(doc, hint)
			if grid == nil {
				return nil, nil, nil, &model.SchemaMismatchError{
					Source: sourceID, Missing: hint.Required, Reason: "no elements with class " + hint.RowClass,
				}
			}
			header, records, err := gridRecords(sourceID, grid, hint, row)
			return header, records, meta, err
		}
		table := selectTable(doc, hint)
		if table == nil {
			return nil, nil, nil, &model.SchemaMismatchError{
				Source: sourceID, Missing: hint.Required, Reason: "table not found",
			}
		}
		header, records, err := gridRecords(sourceID, tableGrid(table), hint, row)
		return header, records, meta, err
	default:
		grid, err := tabularGrid(body, hint)
		if err != nil {
			return nil, nil, nil, err
		}
		meta, err := extractMeta(hint.Meta, func(m MetaSpec) (string, bool) {
			return matchPattern(m.Pattern, gridText(grid))
		})
		if err != nil {
			return nil, nil, nil, err
		}
		header, records, err := gridRecords(sourceID, grid, hint, row)
		return header, records, meta, err
	}
}

func tabularGrid(body []byte, hint Hint) ([][]cell, error) {
	var rows [][]string
	var err error
	if hint.Format == FormatXLSX {
		rows, err = fetcher.ReadXLSX(body, fetcher.XLSXOptions{
			SheetName:  hint.Sheet,
			SheetIndex: hint.SheetIndex,
			SkipRows:   hint.SkipRows,
		})
	} else {
		opts := fetcher.CSVOptions{LazyQuotes: true, TrimSpace: true}
		if hint.Delimiter != "" {
			opts.Delimiter = rune(hint.Delimiter[0])
		}
		rows, err = fetcher.ReadCSV(context.Background(), body, opts)
		if err == nil && hint.SkipRows > 0 {
			rows = rows[min(hint.SkipRows, len(rows)):]
		}
	}
	if err != nil {
		return nil, err
	}
	grid := make([][]cell, len(rows))
	for i, r := range rows {
		grid[i] = make([]cell, len(r))
		for j, s := range r {
			grid[i][j] = cell{raw: s, text: CleanText(s)}
		}
	}
	return grid, nil
}

func gridText(grid [][]cell) string {
	var b strings.Builder
	for _, r := range grid {
		for _, c := range r {
			b.WriteString(c.text)
			b.WriteString(" ")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func parseJSONPage(sourceID string, body []byte, hint Hint, row *int) ([]string, []model.RawRecord, map[string]model.RawValue, error) {
	meta, err := extractMeta(hint.Meta, func(m MetaSpec) (string, bool) {
		if m.Path != "" {
			r := gjson.GetBytes(body, m.Path)
			return r.String(), r.Exists()
		}
		return matchPattern(m.Pattern, string(body))
	})
	if err != nil {
		return nil, nil, nil, err
	}

	columns, rows, ok := jsonRows(body, hint.RecordsPath)
	if !ok {
		return nil, nil, nil, &model.SchemaMismatchError{
			Source: sourceID, Missing: hint.Required, Reason: "no array at " + hint.RecordsPath,
		}
	}
	if len(rows) > 0 {
		headerCells := make([]cell, len(columns))
		for i, c := range columns {
			headerCells[i] = cell{text: c}
		}
		if missing := missingColumns(headerCells, hint); len(missing) > 0 {
			return nil, nil, nil, &model.SchemaMismatchError{
				Source: sourceID, Missing: missing, Reason: "record keys do not match",
			}
		}
	}

	records := make([]model.RawRecord, 0, len(rows))
	for _, r := range rows {
		*row++
		rec := model.RawRecord{Row: *row, Columns: columns, Values: make(map[string]model.RawValue, len(r))}
		for _, col := range columns {
			c, ok := r[col]
			if !ok {
				continue
			}
			rec.Values[col] = toRawValue(c, "")
		}
		records = append(records, rec)
	}
	return columns, records, meta, nil
}

// locateHeader returns the index of the first row within the header window
// that satisfies the hint, or the canonical columns missing from the closest
// candidate.
func locateHeader(grid [][]cell, hint Hint) (int, []string) {
	window := min(hint.headerWindow(), len(grid))
	var best []string
	for i := 0; i < window; i++ {
		if blankRow(grid[i]) {
			continue
		}
		missing := missingColumns(grid[i], hint)
		if len(missing) == 0 {
			return i, nil
		}
		if best == nil || len(missing) < len(best) {
			best = missing
		}
	}
	if best == nil {
		best = requiredOrAll(hint)
	}
	return -1, best
}

func requiredOrAll(hint Hint) []string {
	if len(hint.Required) > 0 {
		return hint.Required
	}
	all := make([]string, 0, len(hint.Columns))
	for k := range hint.Columns {
		all = append(all, k)
	}
	sort.Strings(all)
	return all
}

// missingColumns lists required canonical columns that no cell of the row
// spells. With no required columns, a row matching any known column passes.
func missingColumns(row []cell, hint Hint) []string {
	labels := make(map[string]bool, len(row))
	for _, c := range row {
		if l := NormalizeLabel(c.text); l != "" {
			labels[l] = true
		}
	}
	matches := func(canonical string) bool {
		for _, syn := range hint.Columns[canonical] {
			if labels[NormalizeLabel(syn)] {
				return true
			}
		}
		return false
	}

	if len(hint.Required) == 0 {
		if len(hint.Columns) == 0 {
			return nil
		}
		for canonical := range hint.Columns {
			if matches(canonical) {
				return nil
			}
		}
		return requiredOrAll(hint)
	}

	var missing []string
	for _, r := range hint.Required {
		if !matches(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

func blankRow(row []cell) bool {
	for _, c := range row {
		if c.text != "" || len(c.flags) > 0 {
			return false
		}
	}
	return true
}

func gridRecords(sourceID string, grid [][]cell, hint Hint, row *int) ([]string, []model.RawRecord, error) {
	h, missing := locateHeader(grid, hint)
	if h < 0 {
		return nil, nil, &model.SchemaMismatchError{
			Source: sourceID, Missing: missing, Reason: "header row not found in first " + strconv.Itoa(hint.headerWindow()) + " rows",
		}
	}
	header := headerNames(grid[h])
	headerKey := rowKey(grid[h])

	var records []model.RawRecord
	for _, r := range grid[h+1:] {
		if blankRow(r) || rowKey(r) == headerKey {
			continue
		}
		*row++
		rec := model.RawRecord{Row: *row, Columns: header, Values: make(map[string]model.RawValue, len(header))}
		for i, name := range header {
			if i >= len(r) {
				break
			}
			rec.Values[name] = toRawValue(r[i], grid[h][i].text)
		}
		records = append(records, rec)
	}
	return header, records, nil
}

// headerNames cleans header cells, naming blanks by position and suffixing
// repeats created by colspan.
func headerNames(row []cell) []string {
	names := make([]string, len(row))
	seen := map[string]int{}
	for i, c := range row {
		name, _ := SplitMarkers(c.text)
		if name == "" {
			name = "col_" + strconv.Itoa(i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + "#" + strconv.Itoa(n)
		}
		names[i] = name
	}
	return names
}

func rowKey(row []cell) string {
	parts := make([]string, len(row))
	for i, c := range row {
		parts[i] = NormalizeLabel(c.text)
	}
	return strings.Join(parts, "\x1f")
}

func toRawValue(c cell, header string) model.RawValue {
	text := stripLabel(c.text, header)
	text, markers := SplitMarkers(text)
	var flags []string
	flags = append(flags, c.flags...)
	flags = append(flags, markers...)
	return model.RawValue{Raw: c.raw, Text: text, Flags: flags}
}

func extractMeta(specs []MetaSpec, lookup func(MetaSpec) (string, bool)) (map[string]model.RawValue, error) {
	meta := map[string]model.RawValue{}
	for _, m := range specs {
		if m.Pattern != "" {
			if _, err := regexp.Compile(m.Pattern); err != nil {
				return nil, eris.Wrapf(err, "parse: meta %q pattern", m.Name)
			}
		}
		v, ok := lookup(m)
		if !ok {
			continue
		}
		text, flags := SplitMarkers(CleanText(v))
		meta[m.Name] = model.RawValue{Raw: v, Text: text, Flags: flags}
	}
	return meta, nil
}

func matchPattern(pattern, text string) (string, bool) {
	if pattern == "" {
		return "", false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	switch {
	case m == nil:
		return "", false
	case len(m) > 1:
		return m[1], true
	default:
		return m[0], true
	}
}

// TableSignature reports how many data rows the hinted table holds and a hash
// of its content. Paginated adapters stop on zero rows or a repeated hash.
func TableSignature(page model.Page, hint Hint) (int, string, error) {
	body, err := fetcher.ToUTF8(page.Body, page.ContentType, hint.Encoding)
	if err != nil {
		return 0, "", err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return 0, "", err
	}
	table := selectTable(doc, hint)
	if table == nil {
		return 0, "", nil
	}
	grid := tableGrid(table)
	start := 0
	if h, _ := locateHeader(grid, hint); h >= 0 {
		start = h + 1
	}

	sum := sha256.New()
	n := 0
	for _, r := range grid[start:] {
		if blankRow(r) {
			continue
		}
		n++
		for _, c := range r {
			sum.Write([]byte(c.text))
			sum.Write([]byte{0x1f})
		}
		sum.Write([]byte{'\n'})
	}
	if n == 0 {
		return 0, "", nil
	}
	return n, hex.EncodeToString(sum.Sum(nil)), nil
}
