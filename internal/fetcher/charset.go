package fetcher

import (
	"bytes"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// ToUTF8 converts a text payload to UTF-8. declared, when set, names the
// encoding explicitly (e.g. "big5", "gb18030"); otherwise the Content-Type
// charset, a BOM or an HTML <meta charset> decides. Undeclared bodies that
// are already valid UTF-8 are returned unchanged.
func ToUTF8(body []byte, contentType, declared string) ([]byte, error) {
	var enc encoding.Encoding
	if declared != "" {
		e, err := htmlindex.Get(declared)
		if err != nil {
			return nil, eris.Wrapf(err, "charset: unknown encoding %q", declared)
		}
		enc = e
	} else {
		e, name, certain := charset.DetermineEncoding(body, contentType)
		if name == "utf-8" || (!certain && utf8.Valid(body)) {
			return bytes.TrimPrefix(body, utf8BOM), nil
		}
		enc = e
	}

	name, _ := htmlindex.Name(enc)
	if name == "utf-8" {
		return bytes.TrimPrefix(body, utf8BOM), nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, eris.Wrapf(err, "charset: decode %s", name)
	}
	return out, nil
}
