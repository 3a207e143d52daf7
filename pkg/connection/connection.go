// Package connection implements the symmetric, full-duplex connection
// abstraction shared by the client and server sides: one exclusive
// outbound publication paired with an inbound stream keyed by session id.
package connection

import (
	"sync"
	"sync/atomic"

	"aeronet/pkg/driver"
	"aeronet/pkg/protocol"
	"aeronet/pkg/protocol/codec"
)

// messageCodecs backs SendMessage/DecodeMessage with JSON, CBOR, and
// protobuf all available; every Connection in the process shares it.
var messageCodecs = codec.NewFullRegistry()

// State is the connection's lifecycle stage. It only ever moves forward.
type State int32

const (
	StateInit State = iota
	StateActive
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Connection pairs one exclusively-owned MessagePublication with an
// inbound stream of assembled payloads for one session id. The
// subscription feeding that inbound stream may be exclusive to this
// connection (client side) or shared with other connections (server
// side); Connection itself never touches the subscription, only the
// channel the owner feeds it through.
type Connection struct {
	sessionID int32
	pub       *driver.Publication

	state int32 // atomic State

	mu           sync.Mutex
	disposeOnce  sync.Once
	disposeHooks []func()
	doneCh       chan struct{}

	inbound chan []byte
}

// New constructs an active connection. prefetch bounds how many assembled
// inbound payloads are buffered; a Deliver that finds the buffer full
// disposes the connection and reports ErrSlowConsumer.
func New(sessionID int32, pub *driver.Publication, prefetch int) *Connection {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Connection{
		sessionID: sessionID,
		pub:       pub,
		state:     int32(StateActive),
		doneCh:    make(chan struct{}),
		inbound:   make(chan []byte, prefetch),
	}
}

// SessionID is this connection's identity and its inbound demux key.
func (c *Connection) SessionID() int32 { return c.sessionID }

func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

// Outbound returns the exclusively-owned publication for sending.
func (c *Connection) Outbound() *driver.Publication { return c.pub }

// Inbound returns the channel of assembled inbound payloads, in arrival
// order. Closed once the connection is disposed.
func (c *Connection) Inbound() <-chan []byte { return c.inbound }

// Deliver hands one assembled payload to the inbound stream. Called from
// the owning event loop's subscription poll, so it must never block: if
// the consumer hasn't drained fast enough it reports ErrSlowConsumer and
// disposes this connection, leaving every other session on the shared
// subscription unaffected.
func (c *Connection) Deliver(payload []byte) error {
	if c.State() != StateActive {
		return driver.ErrClosed
	}
	select {
	case c.inbound <- payload:
		return nil
	default:
		c.Dispose()
		return driver.ErrSlowConsumer
	}
}

// SendMessage wraps v in a protocol envelope encoded with format and
// enqueues it as one outbound payload, above the driver's own fragment
// header. format selects JSON, CBOR or protobuf body encoding.
func (c *Connection) SendMessage(format protocol.Format, v any) (<-chan error, error) {
	env, err := protocol.NewEnvelopeWithBody(protocol.Header{Type: protocol.MsgData}, format, v, messageCodecs)
	if err != nil {
		return nil, err
	}
	frame, err := env.EncodeFrame()
	if err != nil {
		return nil, err
	}
	return c.pub.Enqueue(frame), nil
}

// DecodeMessage parses one inbound payload produced by a peer's SendMessage
// into v, returning the format the envelope carried.
func DecodeMessage(payload []byte, v any) (protocol.Format, error) {
	var env protocol.Envelope
	if err := env.DecodeFrame(payload); err != nil {
		return protocol.FormatUnknown, err
	}
	return protocol.DecodeEnvelopeBody(&env, v, messageCodecs)
}

// OnDispose returns a channel closed when Dispose first runs: on a user's
// call, on a slow-consumer Deliver, or when the owner disposes it on
// image-unavailable. A fatal publication error closes the publication but
// does not by itself dispose the connection.
func (c *Connection) OnDispose() <-chan struct{} { return c.doneCh }

// AddDisposeHook registers a function run once, before the publication is
// released, when Dispose is first called (e.g. to unregister this
// connection from an owner's session map).
func (c *Connection) AddDisposeHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposeHooks = append(c.disposeHooks, fn)
}

// Dispose tears the connection down exactly once: runs dispose hooks,
// releases the publication, closes the inbound stream, and signals
// OnDispose. Safe to call from any goroutine and more than once.
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisposing))
		c.mu.Lock()
		hooks := c.disposeHooks
		c.mu.Unlock()
		for _, h := range hooks {
			h()
		}
		c.pub.Dispose()
		atomic.StoreInt32(&c.state, int32(StateDisposed))
		close(c.inbound)
		close(c.doneCh)
	})
}

func (c *Connection) IsDisposed() bool { return c.State() == StateDisposed }
