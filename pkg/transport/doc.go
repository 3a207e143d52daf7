// Package transport defines the wire-level link abstraction that the driver
// package builds Aeron-style publications and subscriptions on top of.
//
// Key concepts:
//   - Transport: dials/listens for Sessions of a specific Kind (UDP/TCP/QUIC/mem)
//   - Session: a bidirectional connection to a remote endpoint
//   - Stream: a frame-granular Send/Recv channel carried by a Session
package transport
