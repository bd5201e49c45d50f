// Package parse turns raw exchange pages into ordered column→value rows.
// Parsing is pure: the same bytes and hint always give the same output.
package parse

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Format selects the parser.
type Format string

const (
	FormatHTML Format = "html"
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// DefaultHeaderWindow is how many leading rows are searched for the header.
const DefaultHeaderWindow = 10

// Hint tells the parser where the data lives and what the header looks like.
type Hint struct {
	Format Format `yaml:"format"`
	// Encoding overrides the declared charset of text payloads.
	Encoding string `yaml:"encoding"`

	// HTML table selection: id, then class, then index among all tables.
	TableID    string `yaml:"table_id"`
	TableClass string `yaml:"table_class"`
	TableIndex int    `yaml:"table_index"`

	// RowClass reads repeated blocks instead of a table: every element with
	// this class is a row. Cells maps a column name to the class path of its
	// value inside the block, outermost first ("shareholding value").
	RowClass string            `yaml:"row_class"`
	Cells    map[string]string `yaml:"cells"`

	// XLSX sheet selection.
	Sheet      string `yaml:"sheet"`
	SheetIndex int    `yaml:"sheet_index"`
	SkipRows   int    `yaml:"skip_rows"`

	// CSV delimiter, default ",".
	Delimiter string `yaml:"delimiter"`

	// RecordsPath is the gjson path of the record array in JSON payloads.
	RecordsPath string `yaml:"records_path"`

	// Columns maps canonical field → accepted source header spellings.
	Columns map[string][]string `yaml:"columns"`
	// Required lists canonical fields whose column must be present in the header.
	Required     []string `yaml:"required"`
	HeaderWindow int      `yaml:"header_window"`

	// Meta extracts document-level values such as an echoed settlement date.
	Meta []MetaSpec `yaml:"meta"`
}

// MetaSpec locates one document-level value. Exactly one locator is used:
// ID (HTML element id; input value or element text), Class (text of the first
// HTML element with the class), Path (gjson) or Pattern (regexp over the
// document text, first submatch).
type MetaSpec struct {
	Name    string `yaml:"name"`
	ID      string `yaml:"id"`
	Class   string `yaml:"class"`
	Path    string `yaml:"path"`
	Pattern string `yaml:"pattern"`
}

// Validate checks the hint for the selected format.
func (h Hint) Validate() error {
	switch h.Format {
	case FormatHTML, FormatXLSX, FormatCSV:
	case FormatJSON:
		if h.RecordsPath == "" {
			return eris.New("parse: json hint needs records_path")
		}
	default:
		return eris.Errorf("parse: unknown format %q", h.Format)
	}
	for _, r := range h.Required {
		if len(h.Columns[r]) == 0 {
			return eris.Errorf("parse: required column %q has no synonyms", r)
		}
	}
	if len(h.Delimiter) > 1 {
		return eris.Errorf("parse: delimiter %q must be one character", h.Delimiter)
	}
	for _, m := range h.Meta {
		if m.Name == "" {
			return eris.New("parse: meta entry without name")
		}
		n := 0
		for _, s := range []string{m.ID, m.Class, m.Path, m.Pattern} {
			if s != "" {
				n++
			}
		}
		if n != 1 {
			return eris.Errorf("parse: meta %q needs exactly one of id, class, path, pattern", m.Name)
		}
	}
	if h.RowClass != "" {
		if h.Format != FormatHTML {
			return eris.New("parse: row_class needs an html hint")
		}
		if len(h.Cells) == 0 {
			return eris.New("parse: row_class needs cells")
		}
		for name, path := range h.Cells {
			if len(strings.Fields(path)) == 0 {
				return eris.Errorf("parse: cell %q has no class path", name)
			}
		}
	}
	return nil
}

func (h Hint) headerWindow() int {
	if h.HeaderWindow > 0 {
		return h.HeaderWindow
	}
	return DefaultHeaderWindow
}
