package boltstore

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/docstore"
)

func encodeBody(body docstore.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(map[string]any(body))
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document using MsgPack: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBody(raw []byte) (docstore.Document, error) {
	var r bytes.Reader
	r.Reset(raw)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	var m map[string]any
	err := dec.Decode(&m)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode msgpack (%d bytes): %w", len(raw), err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return docstore.NormalizeDocument(m), nil
}
