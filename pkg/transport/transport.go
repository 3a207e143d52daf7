package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies the wire technology backing a Transport.
type Kind int

const (
	KindUnknown Kind = iota
	KindMem
	KindUDP
	KindTCP
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// PeerID is an address-derived hint used for logging only; it carries no
// identity guarantee. The driver's rendezvous token is the session id, not
// the PeerID.
type PeerID string

// PeerInfo bundles addressing hints for a Dial or an accepted Session.
type PeerInfo struct {
	ID   PeerID
	Addr string
}

// Quality captures link timing used for diagnostics and image-liveness checks.
type Quality struct {
	EstablishedAt time.Time
	LastSeen      time.Time
}

// Stream is a bidirectional, frame-granular byte channel. Exactly one reader
// and one writer goroutine are expected per Stream.
type Stream interface {
	// SendBytes sends one frame as opaque bytes.
	SendBytes([]byte) error
	// RecvBytes blocks for the next frame.
	RecvBytes() ([]byte, error)
	Close() error
}

// Session is a connection to one remote endpoint.
type Session interface {
	Peer() PeerInfo
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// OpenStream opens (or returns, for transports without multiplexing) the
	// default bidirectional stream for this session.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream waits for the peer-opened stream. Transports without
	// native multiplexed streams return the same default stream once.
	AcceptStream(ctx context.Context) (Stream, error)

	Quality() Quality
	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	Close() error
}

// Transport dials and listens for Sessions of one Kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
