package docstore

import (
	"encoding/base64"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Cursor is an opaque scan continuation token. The empty cursor starts
// a scan from the beginning.
type Cursor string

// OffsetCursor encodes a position in a sorted listing.
func OffsetCursor(n int) Cursor {
	return Cursor(strconv.Itoa(n))
}

// ParseOffset decodes an offset cursor. Malformed or negative cursors
// yield 0, restarting the scan.
func ParseOffset(c Cursor) int {
	if c == "" {
		return 0
	}
	n, err := strconv.Atoi(string(c))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

const cursorSumLen = 8

// NativeCursor wraps a backend-native continuation token, appending an
// xxhash64 checksum so that garbled tokens are detected.
func NativeCursor(raw []byte) Cursor {
	if len(raw) == 0 {
		return ""
	}
	buf := make([]byte, len(raw), len(raw)+cursorSumLen)
	copy(buf, raw)
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(raw))
	return Cursor(base64.RawURLEncoding.EncodeToString(buf))
}

// DecodeNativeCursor reverses NativeCursor. It returns false for empty,
// malformed or tampered cursors.
func DecodeNativeCursor(c Cursor) ([]byte, bool) {
	if c == "" {
		return nil, false
	}
	buf, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil || len(buf) <= cursorSumLen {
		return nil, false
	}
	raw, sum := buf[:len(buf)-cursorSumLen], buf[len(buf)-cursorSumLen:]
	if binary.BigEndian.Uint64(sum) != xxhash.Sum64(raw) {
		return nil, false
	}
	return raw, true
}
