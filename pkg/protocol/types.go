package protocol

// Message types for envelopes carried over a connection's message stream.
const (
	MsgUnknown   uint8 = iota
	MsgData            // application payload
	MsgControl         // control/management
	MsgHeartbeat       // liveness ping
)

// Flags bitmask (uint32)
const (
	FlagCompressed uint32 = 1 << 0 // payload compressed
	FlagEncrypted  uint32 = 1 << 1 // payload encrypted
	FlagAck        uint32 = 1 << 2 // ack requested
)

// ContentType is an optional hint for payload decoding.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
