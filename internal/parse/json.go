package parse

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// jsonRows returns the column order and cell rows of the array at path.
// Object elements contribute their keys in first-seen order; array elements
// are addressed by position ("0", "1", …).
func jsonRows(body []byte, path string) ([]string, []map[string]cell, bool) {
	arr := gjson.GetBytes(body, path)
	if !arr.Exists() || !arr.IsArray() {
		return nil, nil, false
	}

	var columns []string
	seen := map[string]bool{}
	addCol := func(k string) {
		if !seen[k] {
			seen[k] = true
			columns = append(columns, k)
		}
	}

	var rows []map[string]cell
	arr.ForEach(func(_, elem gjson.Result) bool {
		row := map[string]cell{}
		switch {
		case elem.IsObject():
			elem.ForEach(func(k, v gjson.Result) bool {
				addCol(k.String())
				row[k.String()] = jsonCell(v)
				return true
			})
		case elem.IsArray():
			i := 0
			elem.ForEach(func(_, v gjson.Result) bool {
				k := strconv.Itoa(i)
				addCol(k)
				row[k] = jsonCell(v)
				i++
				return true
			})
		default:
			addCol("value")
			row["value"] = jsonCell(elem)
		}
		rows = append(rows, row)
		return true
	})
	return columns, rows, true
}

func jsonCell(v gjson.Result) cell {
	var s string
	switch v.Type {
	case gjson.Null:
		s = ""
	case gjson.JSON:
		s = v.Raw
	default:
		s = v.String()
	}
	return cell{raw: s, text: CleanText(s)}
}
