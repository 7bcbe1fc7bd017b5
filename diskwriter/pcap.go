/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskwriter

import "encoding/binary"

// GlobalHeaderLen and PacketHeaderLen are the two fixed-size framing
// pieces of a PCAP stream: a 24-byte file header and a 16-byte header
// per packet record.
const (
	GlobalHeaderLen = 24
	PacketHeaderLen = 16

	pcapMagic        = 0xa1b2c3d4
	pcapVersionMajor = 2
	pcapVersionMinor = 4
)

// GlobalHeader returns the 24-byte PCAP global header for the given
// snap length and link type. thiszone and sigfigs are always zero, as
// essentially every PCAP writer emits.
func GlobalHeader(snaplen uint32, linkType uint32) []byte {
	b := make([]byte, GlobalHeaderLen)
	binary.LittleEndian.PutUint32(b[0:4], pcapMagic)
	binary.LittleEndian.PutUint16(b[4:6], pcapVersionMajor)
	binary.LittleEndian.PutUint16(b[6:8], pcapVersionMinor)
	// b[8:12] thiszone = 0, b[12:16] sigfigs = 0
	binary.LittleEndian.PutUint32(b[16:20], snaplen)
	binary.LittleEndian.PutUint32(b[20:24], linkType)
	return b
}

// PacketRecord is one packet's metadata, supplied by the capture
// pipeline's session reconstruction.
type PacketRecord struct {
	Sec     int32
	USec    int32
	CapLen  uint32
	WireLen uint32
	Data    []byte
}

// packetHeader encodes the 16-byte per-packet header:
// (s32 sec, s32 usec, u32 caplen, u32 wirelen).
func packetHeader(r PacketRecord) []byte {
	b := make([]byte, PacketHeaderLen)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Sec))
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.USec))
	binary.LittleEndian.PutUint32(b[8:12], r.CapLen)
	binary.LittleEndian.PutUint32(b[12:16], r.WireLen)
	return b
}
