/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wise

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFieldSchema(t *testing.T) {
	var buf []byte
	hdr := make([]byte, 9)
	binary.BigEndian.PutUint32(hdr[0:4], 42)
	binary.BigEndian.PutUint32(hdr[4:8], 0)
	hdr[8] = 2
	buf = append(buf, hdr...)
	for _, name := range []string{"tag", "country"} {
		lb := make([]byte, 2)
		binary.BigEndian.PutUint16(lb, uint16(len(name)+1))
		buf = append(buf, lb...)
		buf = append(buf, []byte(name)...)
		buf = append(buf, 0)
	}

	s, err := DecodeFieldSchema(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(42), s.FieldsTS)
	require.Equal(t, []string{"tag", "country"}, s.Names)
}

func TestEncodeRequestCapsAtMax(t *testing.T) {
	entries := make([]RequestEntry, maxRequestEntries+1)
	_, err := EncodeRequest(entries)
	require.Error(t, err)

	entries = entries[:maxRequestEntries]
	b, err := EncodeRequest(entries)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	entries := []RequestEntry{
		{Kind: KindIP, Key: []byte("10.0.0.5")},
		{Kind: KindMD5, Key: []byte("d41d8cd98f00b204e9800998ecf8427e")},
	}
	reqBytes, err := EncodeRequest(entries)
	require.NoError(t, err)
	require.NotEmpty(t, reqBytes)

	// build a synthetic response: one op for entry 0, none for entry 1
	var resp []byte
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], 7)
	binary.BigEndian.PutUint32(hdr[4:8], 0)
	resp = append(resp, hdr...)
	resp = append(resp, 1)             // num_ops for entry 0
	resp = append(resp, 3, 3)          // remote_field_id=3, value_len=3
	resp = append(resp, []byte("net")...)
	resp = append(resp, 0) // num_ops for entry 1

	decoded, err := DecodeResponse(resp, len(entries))
	require.NoError(t, err)
	require.Equal(t, uint32(7), decoded.FieldsTS)
	require.Len(t, decoded.Entries, 2)
	require.Len(t, decoded.Entries[0].Ops, 1)
	require.Equal(t, uint8(3), decoded.Entries[0].Ops[0].RemoteFieldID)
	require.Equal(t, "net", string(decoded.Entries[0].Ops[0].Value))
	require.Empty(t, decoded.Entries[1].Ops)
}

func TestDecodeResponseTruncated(t *testing.T) {
	_, err := DecodeResponse([]byte{1, 2, 3}, 1)
	require.Error(t, err)
}
