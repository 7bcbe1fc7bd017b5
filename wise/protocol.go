/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wise implements the Remote Cache Batcher: a per-kind cache
// of identifiers backed by a binary request/response protocol against
// an intelligence service, batching misses into periodic requests and
// applying resulting operations to pending sessions.
package wise

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies which of the four independent per-kind caches an
// identifier belongs to.
type Kind uint8

const (
	KindIP Kind = iota
	KindDomain
	KindMD5
	KindEmail
)

var ErrFraming = errors.New("malformed wise frame")

// maxRequestEntries bounds a single outbound request per the protocol.
const maxRequestEntries = 256

// FieldSchema is the parsed /fields response: fieldsTS/version plus the
// ordered field names, where array index is the remote "short field
// id" used inside operation blocks.
type FieldSchema struct {
	FieldsTS uint32
	Version  uint32
	Names    []string
}

// DecodeFieldSchema parses the binary /fields frame:
// u32 fields_ts, u32 version, u8 count, count*(u16 len, name bytes).
func DecodeFieldSchema(b []byte) (FieldSchema, error) {
	var s FieldSchema
	if len(b) < 9 {
		return s, ErrFraming
	}
	s.FieldsTS = binary.BigEndian.Uint32(b[0:4])
	s.Version = binary.BigEndian.Uint32(b[4:8])
	count := int(b[8])
	off := 9
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return s, ErrFraming
		}
		nlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+nlen > len(b) {
			return s, ErrFraming
		}
		name := string(bytes.TrimRight(b[off:off+nlen], "\x00"))
		s.Names = append(s.Names, name)
		off += nlen
	}
	return s, nil
}

// RequestEntry is one outbound lookup key: (kind, key bytes).
type RequestEntry struct {
	Kind Kind
	Key  []byte
}

// EncodeRequest packs up to maxRequestEntries entries into the binary
// /get request body: sequence of (u8 kind, u16 key_len, key bytes).
func EncodeRequest(entries []RequestEntry) ([]byte, error) {
	if len(entries) > maxRequestEntries {
		return nil, fmt.Errorf("request holds %d entries, max %d", len(entries), maxRequestEntries)
	}
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteByte(byte(e.Kind))
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(e.Key)))
		buf.Write(lb[:])
		buf.Write(e.Key)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses the binary /get request body back into entries;
// used by intelligence-service test doubles, not by the batcher itself.
func DecodeRequest(b []byte) ([]RequestEntry, error) {
	var out []RequestEntry
	off := 0
	for off < len(b) {
		if off+3 > len(b) {
			return nil, ErrFraming
		}
		kind := Kind(b[off])
		klen := int(binary.BigEndian.Uint16(b[off+1 : off+3]))
		off += 3
		if off+klen > len(b) {
			return nil, ErrFraming
		}
		out = append(out, RequestEntry{Kind: kind, Key: append([]byte(nil), b[off:off+klen]...)})
		off += klen
	}
	return out, nil
}

// ResponseOp is one decoded (remote_field_id, value) pair from a
// response's per-entry operation block.
type ResponseOp struct {
	RemoteFieldID uint8
	Value         []byte
}

// ResponseEntry is the decoded operation block for one request entry,
// in the same order the entries were sent.
type ResponseEntry struct {
	Ops []ResponseOp
}

// Response is the fully decoded /get response.
type Response struct {
	FieldsTS uint32
	Version  uint32
	Entries  []ResponseEntry
}

// DecodeResponse parses the binary response frame: u32 fields_ts,
// u32 version, then one operation block per request entry in order:
// u8 num_ops, num_ops*(u8 remote_field_id, u8 value_len, value bytes).
// numEntries must equal the number of entries sent in the
// corresponding request, since the frame carries no explicit count.
func DecodeResponse(b []byte, numEntries int) (Response, error) {
	var r Response
	if len(b) < 8 {
		return r, ErrFraming
	}
	r.FieldsTS = binary.BigEndian.Uint32(b[0:4])
	r.Version = binary.BigEndian.Uint32(b[4:8])
	off := 8
	for i := 0; i < numEntries; i++ {
		if off >= len(b) {
			return r, ErrFraming
		}
		numOps := int(b[off])
		off++
		var entry ResponseEntry
		for j := 0; j < numOps; j++ {
			if off+2 > len(b) {
				return r, ErrFraming
			}
			fieldID := b[off]
			vlen := int(b[off+1])
			off += 2
			if off+vlen > len(b) {
				return r, ErrFraming
			}
			entry.Ops = append(entry.Ops, ResponseOp{RemoteFieldID: fieldID, Value: b[off : off+vlen]})
			off += vlen
		}
		r.Entries = append(r.Entries, entry)
	}
	return r, nil
}
