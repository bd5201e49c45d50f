package parse

import (
	"bytes"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// cell is one grid position after span expansion.
type cell struct {
	raw   string
	text  string
	flags []string
}

const (
	maxColspan = 1000
	maxRowspan = 65534
)

func parseDocument(body []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "parse: html")
	}
	return doc, nil
}

// walk visits n and its descendants depth-first in document order. fn
// returning false skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func findTables(doc *html.Node) []*html.Node {
	var tables []*html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			tables = append(tables, n)
		}
		return true
	})
	return tables
}

// selectTable picks the table by id, class or index. It returns nil when the
// document has no matching table.
func selectTable(doc *html.Node, hint Hint) *html.Node {
	tables := findTables(doc)
	switch {
	case hint.TableID != "":
		for _, t := range tables {
			if attr(t, "id") == hint.TableID {
				return t
			}
		}
		return nil
	case hint.TableClass != "":
		for _, t := range tables {
			if hasClass(t, hint.TableClass) {
				return t
			}
		}
		return nil
	default:
		if hint.TableIndex < 0 || hint.TableIndex >= len(tables) {
			return nil
		}
		return tables[hint.TableIndex]
	}
}

// blockGrid builds a grid from repeated blocks: a header row holding the cell
// names in sorted order, then one row per element with hint.RowClass. It
// returns nil when no element carries the class.
func blockGrid(doc *html.Node, hint Hint) [][]cell {
	names := make([]string, 0, len(hint.Cells))
	for name := range hint.Cells {
		names = append(names, name)
	}
	sort.Strings(names)
	header := make([]cell, len(names))
	for i, name := range names {
		header[i] = cell{raw: name, text: CleanText(name)}
	}

	grid := [][]cell{header}
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || !hasClass(n, hint.RowClass) {
			return true
		}
		row := make([]cell, len(names))
		for i, name := range names {
			if el := findByClassPath(n, strings.Fields(hint.Cells[name])); el != nil {
				row[i] = cellContent(el)
			}
		}
		grid = append(grid, row)
		return false
	})
	if len(grid) == 1 {
		return nil
	}
	return grid
}

// findByClassPath descends from n through elements carrying each class in turn.
func findByClassPath(n *html.Node, path []string) *html.Node {
	for _, class := range path {
		if n = findByClass(n, class); n == nil {
			return nil
		}
	}
	return n
}

// findByClass returns the first descendant of n with the class.
func findByClass(n *html.Node, class string) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if c != n && c.Type == html.ElementNode && hasClass(c, class) {
			found = c
			return false
		}
		return true
	})
	return found
}

func classMeta(doc *html.Node, class string) (string, bool) {
	el := findByClass(doc, class)
	if el == nil {
		return "", false
	}
	return textContent(el), true
}

// tableRows returns the table's own rows, skipping rows of nested tables.
func tableRows(table *html.Node) []*html.Node {
	var rows []*html.Node
	for c := table.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) bool {
			if n.Type != html.ElementNode {
				return false
			}
			switch n.DataAtom {
			case atom.Table:
				return false
			case atom.Tr:
				rows = append(rows, n)
				return false
			}
			return true
		})
	}
	return rows
}

func rowCells(tr *html.Node) []*html.Node {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
			cells = append(cells, c)
		}
	}
	return cells
}

// cellContent extracts the text of a cell. Superscripts become flags instead
// of text; line breaks become spaces.
func cellContent(td *html.Node) cell {
	var text, raw strings.Builder
	var flags []string
	walk(td, func(n *html.Node) bool {
		switch n.Type {
		case html.TextNode:
			text.WriteString(n.Data)
			raw.WriteString(n.Data)
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Table:
				return n == td
			case atom.Br:
				text.WriteString(" ")
				raw.WriteString(" ")
			case atom.Sup:
				s := CleanText(textContent(n))
				if s != "" {
					flags = append(flags, s)
				}
				raw.WriteString(textContent(n))
				return false
			}
		}
		return true
	})
	return cell{raw: strings.TrimSpace(raw.String()), text: CleanText(text.String()), flags: flags}
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style) {
			return false
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

func spanAttr(n *html.Node, key string, limit int) int {
	v, err := strconv.Atoi(strings.TrimSpace(attr(n, key)))
	if err != nil || v < 1 {
		return 1
	}
	return min(v, limit)
}

type pendingSpan struct {
	left int
	c    cell
}

// tableGrid expands colspan and rowspan so every row is addressed by column
// position.
func tableGrid(table *html.Node) [][]cell {
	var grid [][]cell
	pending := map[int]*pendingSpan{}

	take := func(col int) (cell, bool) {
		sp, ok := pending[col]
		if !ok {
			return cell{}, false
		}
		sp.left--
		if sp.left == 0 {
			delete(pending, col)
		}
		return sp.c, true
	}

	for _, tr := range tableRows(table) {
		var row []cell
		col := 0
		cells := rowCells(tr)
		for _, td := range cells {
			for {
				c, ok := take(col)
				if !ok {
					break
				}
				row = append(row, c)
				col++
			}
			c := cellContent(td)
			cs := spanAttr(td, "colspan", maxColspan)
			rs := spanAttr(td, "rowspan", maxRowspan)
			for range cs {
				row = append(row, c)
				if rs > 1 {
					pending[col] = &pendingSpan{left: rs - 1, c: c}
				}
				col++
			}
		}
		// Spans from earlier rows may extend past this row's own cells.
		last := -1
		for k := range pending {
			last = max(last, k)
		}
		for ; col <= last; col++ {
			c, _ := take(col)
			row = append(row, c)
		}
		grid = append(grid, row)
	}
	return grid
}

// htmlMeta resolves element-id meta values against the document.
func htmlMeta(doc *html.Node, id string) (string, bool) {
	var found *html.Node
	walk(doc, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return "", false
	}
	if found.DataAtom == atom.Input {
		return attr(found, "value"), true
	}
	return textContent(found), true
}

// Links returns every <a href> in the page resolved against base, in document order.
func Links(body []byte, base string) ([]string, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, eris.Wrapf(err, "parse: base url %q", base)
	}
	var links []string
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			href := strings.TrimSpace(attr(n, "href"))
			if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
				return true
			}
			ref, err := url.Parse(href)
			if err != nil {
				return true
			}
			links = append(links, baseURL.ResolveReference(ref).String())
		}
		return true
	})
	return links, nil
}

// FormFields returns the hidden inputs of the page (ASP.NET __VIEWSTATE,
// __EVENTVALIDATION and friends). When formID is set only that form is read.
func FormFields(body []byte, formID string) (url.Values, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	root := doc
	if formID != "" {
		root = nil
		walk(doc, func(n *html.Node) bool {
			if root == nil && n.Type == html.ElementNode && n.DataAtom == atom.Form && attr(n, "id") == formID {
				root = n
			}
			return root == nil
		})
		if root == nil {
			return nil, eris.Errorf("parse: form %q not found", formID)
		}
	}
	fields := url.Values{}
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Input &&
			strings.EqualFold(attr(n, "type"), "hidden") && attr(n, "name") != "" {
			fields.Add(attr(n, "name"), attr(n, "value"))
		}
		return true
	})
	return fields, nil
}

// DocumentText returns the visible text of an HTML page, whitespace-collapsed.
func DocumentText(body []byte) (string, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", err
	}
	return CleanText(textContent(doc)), nil
}
