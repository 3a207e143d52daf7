package driver

import (
	"encoding/binary"
	"errors"
)

// FragmentType distinguishes data frames from the handshake frames used for
// MDC dynamic subscriber registration.
type FragmentType uint8

const (
	FrameData FragmentType = iota
	FrameRegister
	// FrameSetup is a zero-payload frame a publication sends immediately
	// after connecting, so the peer's subscription learns the session id
	// and fires image-available before any user data arrives.
	FrameSetup
)

// Fragment flag bits. A single-fragment message carries both.
const (
	FlagBegin uint8 = 1 << 0
	FlagEnd   uint8 = 1 << 1
)

// frameHeaderSize is the fixed wire header preceding every fragment's
// payload: Version(1) Type(1) Flags(1) Reserved(1) SessionID(4) StreamID(4)
// FragmentSeq(4) PayloadLen(4) = 20 bytes, little-endian.
const frameHeaderSize = 20

// FragmentHeader describes one wire fragment. Payloads larger than the
// configured MTU are split into a BEGIN fragment, zero or more MIDDLE
// fragments (neither flag set) and an END fragment; the Assembler joins
// them in arrival order before exposing a contiguous view to user code
// (FragmentSeq is carried but not used to reorder).
type FragmentHeader struct {
	Version     uint8
	Type        FragmentType
	Flags       uint8
	SessionID   int32
	StreamID    int32
	FragmentSeq uint32
	PayloadLen  uint32
}

func (h FragmentHeader) HasFlag(f uint8) bool { return h.Flags&f != 0 }

// MarshalBinary encodes the header to a fixed 20-byte buffer.
func (h FragmentHeader) MarshalBinary() []byte {
	buf := make([]byte, frameHeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	buf[2] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(buf[12:16], h.FragmentSeq)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	return buf
}

// UnmarshalFragmentHeader decodes a fixed 20-byte header.
func UnmarshalFragmentHeader(buf []byte) (FragmentHeader, error) {
	if len(buf) < frameHeaderSize {
		return FragmentHeader{}, errors.New("driver: short frame header")
	}
	var h FragmentHeader
	h.Version = buf[0]
	h.Type = FragmentType(buf[1])
	h.Flags = buf[2]
	h.SessionID = int32(binary.LittleEndian.Uint32(buf[4:8]))
	h.StreamID = int32(binary.LittleEndian.Uint32(buf[8:12]))
	h.FragmentSeq = binary.LittleEndian.Uint32(buf[12:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	return h, nil
}

// Frame is one on-wire unit: header plus its payload slice.
type Frame struct {
	Header  FragmentHeader
	Payload []byte
}

// Encode serializes the frame as header||payload.
func (f Frame) Encode() []byte {
	f.Header.PayloadLen = uint32(len(f.Payload))
	hb := f.Header.MarshalBinary()
	out := make([]byte, len(hb)+len(f.Payload))
	copy(out, hb)
	copy(out[len(hb):], f.Payload)
	return out
}

// DecodeFrame parses a single frame out of buf.
func DecodeFrame(buf []byte) (Frame, error) {
	h, err := UnmarshalFragmentHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	need := frameHeaderSize + int(h.PayloadLen)
	if len(buf) < need {
		return Frame{}, errors.New("driver: short frame payload")
	}
	return Frame{Header: h, Payload: buf[frameHeaderSize:need]}, nil
}

// FragmentMessage splits payload into MTU-sized frames carrying
// BEGIN/MIDDLE/END flags. A payload that fits in one MTU carries both
// flags on its single frame.
func FragmentMessage(sessionID, streamID int32, payload []byte, mtu int) []Frame {
	if mtu <= 0 {
		mtu = len(payload)
		if mtu == 0 {
			mtu = 1
		}
	}
	total := (len(payload) + mtu - 1) / mtu
	if total == 0 {
		total = 1
	}
	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		var flags uint8
		if i == 0 {
			flags |= FlagBegin
		}
		if i == total-1 {
			flags |= FlagEnd
		}
		frames = append(frames, Frame{
			Header: FragmentHeader{
				Version:     1,
				Type:        FrameData,
				Flags:       flags,
				SessionID:   sessionID,
				StreamID:    streamID,
				FragmentSeq: uint32(i),
			},
			Payload: append([]byte(nil), payload[start:end]...),
		})
	}
	return frames
}

// Assembler reassembles BEGIN/MIDDLE/END fragments for one session+stream
// into complete messages. It is not safe for concurrent use; callers
// serialize access the same way the owning EventLoop serializes polling
// (invariant I2).
type Assembler struct {
	pending []byte
	active  bool
}

// Feed accepts one fragment in arrival order and returns the assembled
// payload once an END-flagged fragment completes a message.
func (a *Assembler) Feed(f Frame) (payload []byte, complete bool, err error) {
	if f.Header.HasFlag(FlagBegin) {
		a.pending = append(a.pending[:0], f.Payload...)
		a.active = true
	} else {
		if !a.active {
			return nil, false, errors.New("driver: fragment without begin")
		}
		a.pending = append(a.pending, f.Payload...)
	}
	if f.Header.HasFlag(FlagEnd) {
		out := make([]byte, len(a.pending))
		copy(out, a.pending)
		a.pending = a.pending[:0]
		a.active = false
		return out, true, nil
	}
	return nil, false, nil
}
