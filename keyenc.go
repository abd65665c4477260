package docstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeKey returns a byte string that identifies key and sorts in key
// order within a single attribute and kind:
//
//	attr 0x00 kind payload
//
// Integers and floats use order-preserving fixed-width big-endian forms.
func EncodeKey(key Key) []byte {
	buf := make([]byte, 0, len(key.Attr)+2+8)
	buf = append(buf, key.Attr...)
	buf = append(buf, 0, byte(key.Value.kind))
	v := key.Value
	switch v.kind {
	case KindString, KindBytes:
		buf = append(buf, v.s...)
	case KindInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.n)^(1<<63))
	case KindFloat:
		bits := math.Float64bits(v.f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		buf = binary.BigEndian.AppendUint64(buf, bits)
	case KindBool:
		buf = append(buf, byte(v.n))
	}
	return buf
}

// DecodeKey reverses EncodeKey.
func DecodeKey(data []byte) (Key, error) {
	attr, rest, ok := bytes.Cut(data, []byte{0})
	if !ok || len(rest) == 0 {
		return Key{}, fmt.Errorf("malformed key %x", data)
	}
	kind, payload := Kind(rest[0]), rest[1:]
	var v Value
	switch kind {
	case KindString:
		v = String(string(payload))
	case KindBytes:
		v = Bytes(payload)
	case KindInt:
		if len(payload) != 8 {
			return Key{}, fmt.Errorf("malformed int key %x", data)
		}
		v = Int(int64(binary.BigEndian.Uint64(payload) ^ (1 << 63)))
	case KindFloat:
		if len(payload) != 8 {
			return Key{}, fmt.Errorf("malformed float key %x", data)
		}
		bits := binary.BigEndian.Uint64(payload)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		v = Float(math.Float64frombits(bits))
	case KindBool:
		if len(payload) != 1 {
			return Key{}, fmt.Errorf("malformed bool key %x", data)
		}
		v = Bool(payload[0] != 0)
	default:
		return Key{}, fmt.Errorf("malformed key %x: unknown kind %d", data, kind)
	}
	return Key{Attr: string(attr), Value: v}, nil
}
