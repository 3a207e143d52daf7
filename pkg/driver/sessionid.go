package driver

import (
	"crypto/rand"
	"encoding/binary"
)

// newSessionID mimics the driver assigning a fresh 32-bit session id to a
// newly created publication. Uniqueness is only guaranteed probabilistically
// within one process (see spec §3 on SessionId); callers that need the
// collision-retry behavior construct a new publication on failure rather
// than reusing this id.
func newSessionID() int32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint32(b[:])
	v &^= 1 << 31 // keep it a positive int32 for readability in logs
	return int32(v)
}
