package localfs

import (
	"fmt"
	"strings"

	"github.com/andreyvit/docstore"
)

const fileExt = ".json"

// tempPrefix marks in-flight writes; scans ignore such files.
const tempPrefix = ".tmp-"

const hexDigits = "0123456789ABCDEF"

// escapeName percent-encodes bytes that are illegal or ambiguous in file
// names on common platforms, '%' itself, and any byte listed in extra.
// A leading '.' and trailing ' ' or '.' are also encoded.
func escapeName(s, extra string) string {
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if needsEscape(c, extra) || (c == '.' && i == 0) || ((c == '.' || c == ' ') && i == len(s)-1) {
			buf.WriteByte('%')
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0xF])
		} else {
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

func needsEscape(c byte, extra string) bool {
	if c < 0x20 || c == 0x7F {
		return true
	}
	switch c {
	case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '%':
		return true
	}
	return strings.IndexByte(extra, c) >= 0
}

func unescapeName(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 {
		return s, nil
	}
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			buf.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		hi, lo := unhex(s[i+1]), unhex(s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("invalid escape in %q", s)
		}
		buf.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return buf.String(), nil
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	default:
		return -1
	}
}

// fileName maps a key to `<keyAttr>_<canonicalValue>.json`. Underscores in
// the attribute name are escaped so the stem splits on its first '_'.
func fileName(key docstore.Key) string {
	return escapeName(key.Attr, "_") + "_" + escapeName(key.Value.Canonical(), "") + fileExt
}

// parseFileName recovers the key from a file name produced by fileName.
// Values that looked like numbers, booleans or Base64 come back as those
// kinds.
func parseFileName(name string) (docstore.Key, bool) {
	stem, ok := strings.CutSuffix(name, fileExt)
	if !ok || strings.HasPrefix(name, tempPrefix) {
		return docstore.Key{}, false
	}
	left, right, ok := strings.Cut(stem, "_")
	if !ok || left == "" {
		return docstore.Key{}, false
	}
	attr, err := unescapeName(left)
	if err != nil {
		return docstore.Key{}, false
	}
	canon, err := unescapeName(right)
	if err != nil {
		return docstore.Key{}, false
	}
	return docstore.Key{Attr: attr, Value: docstore.ParseCanonical(canon)}, true
}
