package driver

import (
	"context"
	"sync"

	"aeronet/pkg/transport"
)

// registration is what a dynamic subscriber sends to a control-endpoint to
// advertise itself: "route traffic for this session id back to me at this
// address". It mirrors Aeron MDC's dynamic-subscriber-registration handshake.
type registration struct {
	sessionID int32
	streamID  int32
	returnTo  string
}

func encodeRegistration(r registration) []byte {
	f := Frame{
		Header: FragmentHeader{
			Version:   1,
			Type:      FrameRegister,
			Flags:     FlagBegin | FlagEnd,
			SessionID: r.sessionID,
			StreamID:  r.streamID,
		},
		Payload: []byte(r.returnTo),
	}
	return f.Encode()
}

func decodeRegistration(buf []byte) (registration, error) {
	f, err := DecodeFrame(buf)
	if err != nil {
		return registration{}, err
	}
	return registration{sessionID: f.Header.SessionID, streamID: f.Header.StreamID, returnTo: string(f.Payload)}, nil
}

// Registrar listens on a control-endpoint for registration frames and
// dispatches each to whichever dynamic publication is waiting for its
// (sessionID, streamID). One Registrar serves every dynamic publication
// bound to the same control-endpoint, matching Aeron's one-control-endpoint,
// many-dynamic-publications model.
type Registrar struct {
	tr       transport.Transport
	listener transport.Listener

	mu      sync.Mutex
	waiters map[int64]chan registration
	closed  bool
}

func regKey(sessionID, streamID int32) int64 {
	return int64(sessionID)<<32 | int64(uint32(streamID))
}

// ListenRegistrar binds a control-endpoint and starts accepting
// registration frames in the background.
func ListenRegistrar(ctx context.Context, tr transport.Transport, controlEndpoint string) (*Registrar, error) {
	l, err := tr.Listen(ctx, controlEndpoint)
	if err != nil {
		return nil, err
	}
	r := &Registrar{tr: tr, listener: l, waiters: make(map[int64]chan registration)}
	go r.acceptLoop(ctx)
	return r, nil
}

func (r *Registrar) acceptLoop(ctx context.Context) {
	for {
		sess, err := r.listener.Accept(ctx)
		if err != nil {
			return
		}
		go r.handleOne(ctx, sess)
	}
}

func (r *Registrar) handleOne(ctx context.Context, sess transport.Session) {
	defer sess.Close()
	st, err := sess.OpenStream(ctx)
	if err != nil {
		return
	}
	buf, err := st.RecvBytes()
	if err != nil {
		return
	}
	reg, err := decodeRegistration(buf)
	if err != nil {
		return
	}
	r.mu.Lock()
	ch, ok := r.waiters[regKey(reg.sessionID, reg.streamID)]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- reg:
		default:
		}
	}
}

// Await registers interest in (sessionID, streamID) and blocks until a
// matching registration arrives or ctx is done.
func (r *Registrar) Await(ctx context.Context, sessionID, streamID int32) (string, error) {
	ch := make(chan registration, 1)
	key := regKey(sessionID, streamID)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.waiters[key] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, key)
		r.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case reg := <-ch:
		return reg.returnTo, nil
	}
}

// Close stops accepting new registrations.
func (r *Registrar) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.listener.Close()
}

// Register sends a registration frame to controlEndpoint advertising
// returnTo as the address traffic for (sessionID, streamID) should be
// routed to. Used by a dynamic subscriber (e.g. the client's inbound
// subscription) to announce itself to the server's reverse publication.
func Register(ctx context.Context, tr transport.Transport, controlEndpoint, returnTo string, sessionID, streamID int32) error {
	sess, err := tr.Dial(ctx, controlEndpoint, transport.PeerInfo{Addr: controlEndpoint})
	if err != nil {
		return err
	}
	defer sess.Close()
	st, err := sess.OpenStream(ctx)
	if err != nil {
		return err
	}
	return st.SendBytes(encodeRegistration(registration{sessionID: sessionID, streamID: streamID, returnTo: returnTo}))
}
