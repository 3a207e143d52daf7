package protocol

import (
	"encoding/binary"
	"errors"
)

// Fixed header layout (32 bytes) for the message envelope exchanged over a
// connection's message stream, above the driver's own frame header.
// All integer fields are little-endian.
//
//  0  ..1   Magic   0x414e (bytes 'N','A' on the wire)
//  2        Version u8
//  3        Type    u8
//  4  ..7   Flags   u32
//  8        Priority u8
//  9..11    Reserved
//  12 ..15  PayloadLen u32
//  16 ..31  CorrelationID [16]byte
const (
	headerSize = 32
	magicWord  = uint16(0x414e) // 'N','A' little-endian
)

// Header describes metadata for an envelope.
type Header struct {
	Version     uint8
	Type        uint8
	Flags       uint32
	Priority    uint8
	PayloadLen  uint32
	Correlation [16]byte
}

// MarshalBinary encodes header to a 32-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = h.Type
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	buf[8] = h.Priority
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
	copy(buf[16:32], h.Correlation[:])
	return buf, nil
}

// UnmarshalBinary decodes header from a 32-byte buffer.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return errors.New("short header")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return errors.New("bad magic")
	}
	h.Version = buf[2]
	h.Type = buf[3]
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.Priority = buf[8]
	h.PayloadLen = binary.LittleEndian.Uint32(buf[12:16])
	copy(h.Correlation[:], buf[16:32])
	return nil
}
