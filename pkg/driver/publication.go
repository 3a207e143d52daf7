package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/transport"
	"aeronet/pkg/uri"
)

// sendRequest is one queued enqueue() call awaiting the send algorithm.
type sendRequest struct {
	payload  []byte
	enqueued time.Time
	done     chan error
	frames   []Frame
	sentUpTo int
}

// Publication is the spec's MessagePublication: identity (channel, streamId,
// sessionId), a bounded send-queue, a fragmentation header, and a connected
// flag. Mutated only by the owning EventLoop's tick; Enqueue/Dispose may be
// called from any goroutine and only touch lock-protected state.
type Publication struct {
	channel  uri.ChannelUri
	streamID int32
	opts     uri.Options
	log      *zap.Logger

	tr transport.Transport

	mu          sync.Mutex
	sessionID   int32
	sess        transport.Session
	stream      transport.Stream
	connected   bool
	connectErr  error
	closed      bool
	queue       []*sendRequest
	fragSeq     uint32
	connectedAt time.Time

	// connect is invoked at most once, lazily, by the first EnsureConnected
	// call; it performs the dial (or, for a dynamic publication, the MDC
	// registration wait + dial-back).
	connectOnce sync.Once
	connectFn   func(ctx context.Context) (transport.Session, int32, error)
}

// NewDialPublication constructs a publication that connects by dialing the
// channel's endpoint directly. The driver assigns the session id once the
// dial succeeds, mirroring the real driver assigning a session id to a new
// outgoing publication.
func NewDialPublication(tr transport.Transport, channel uri.ChannelUri, streamID int32, opts uri.Options, log *zap.Logger) *Publication {
	p := &Publication{channel: channel, streamID: streamID, opts: opts, log: log, tr: tr}
	p.connectFn = func(ctx context.Context) (transport.Session, int32, error) {
		sess, err := tr.Dial(ctx, channel.Endpoint(), transport.PeerInfo{Addr: channel.Endpoint()})
		if err != nil {
			return nil, 0, err
		}
		return sess, newSessionID(), nil
	}
	return p
}

// NewDynamicPublication constructs a publication for the server's reverse
// channel: it waits on registrar for a subscriber matching sessionID to
// announce its return address, then dials back to establish the actual
// data session. This is the MDC dynamic-destination handshake.
func NewDynamicPublication(tr transport.Transport, registrar *Registrar, channel uri.ChannelUri, streamID, sessionID int32, opts uri.Options, log *zap.Logger) *Publication {
	p := &Publication{channel: channel, streamID: streamID, opts: opts, log: log, tr: tr, sessionID: sessionID}
	p.connectFn = func(ctx context.Context) (transport.Session, int32, error) {
		returnTo, err := registrar.Await(ctx, sessionID, streamID)
		if err != nil {
			return nil, sessionID, err
		}
		sess, err := tr.Dial(ctx, returnTo, transport.PeerInfo{Addr: returnTo})
		if err != nil {
			return nil, sessionID, err
		}
		return sess, sessionID, nil
	}
	return p
}

// SessionID returns the driver-assigned session id. It is only meaningful
// after EnsureConnected has completed successfully for a dial publication;
// for a dynamic publication it is known at construction time.
func (p *Publication) SessionID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Publication) StreamID() int32         { return p.streamID }
func (p *Publication) Channel() uri.ChannelUri { return p.channel }

// EnsureConnected completes when the transport session is established, or
// fails with ErrNotConnected after timeout. It polls the connect outcome
// with a backoff floor of 1µs doubling up to 10ms, per spec §4.B.
func (p *Publication) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.connectOnce.Do(func() {
		// Every transport closes a dialed session when its dial context ends,
		// so the dial runs on a context that outlives this call and is
		// cancelled only if connectCtx ends before the connect succeeded.
		dialCtx, dialCancel := context.WithCancel(context.WithoutCancel(ctx))
		go func() {
			<-connectCtx.Done()
			p.mu.Lock()
			ok := p.connected
			p.mu.Unlock()
			if !ok {
				dialCancel()
			}
		}()
		go func() {
			sess, sid, err := p.connectFn(dialCtx)
			if err != nil {
				p.mu.Lock()
				p.connectErr = err
				p.mu.Unlock()
				return
			}
			stream, err := sess.OpenStream(context.Background())
			if err != nil {
				p.mu.Lock()
				p.connectErr = err
				p.mu.Unlock()
				return
			}
			// Send the setup frame without holding the lock: a slow or
			// unresponsive peer must not stall Enqueue/Dispose/IsConnected
			// on every other goroutine touching this publication.
			setup := Frame{Header: FragmentHeader{
				Version:   1,
				Type:      FrameSetup,
				Flags:     FlagBegin | FlagEnd,
				SessionID: sid,
				StreamID:  p.streamID,
			}}
			sendErr := stream.SendBytes(setup.Encode())

			p.mu.Lock()
			p.sess = sess
			p.stream = stream
			if sendErr != nil {
				p.connectErr = sendErr
			} else {
				p.sessionID = sid
				p.connected = true
				p.connectedAt = time.Now()
			}
			p.mu.Unlock()
		}()
	})

	delay := time.Microsecond
	const maxDelay = 10 * time.Millisecond
	for {
		p.mu.Lock()
		connected, err := p.connected, p.connectErr
		p.mu.Unlock()
		if connected {
			return nil
		}
		if err != nil {
			return fmt.Errorf("publication connect: %w: %v", ErrNotConnected, err)
		}
		select {
		case <-connectCtx.Done():
			return fmt.Errorf("publication connect: %w", ErrNotConnected)
		case <-time.After(delay):
		}
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// IsConnected reports the last-observed connected state.
func (p *Publication) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Enqueue appends a send request. Fails immediately with ErrBackpressured
// if the queue is already at sendQueueCapacity.
func (p *Publication) Enqueue(payload []byte) <-chan error {
	done := make(chan error, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		done <- ErrClosed
		return done
	}
	if len(p.queue) >= p.opts.SendQueueCapacity {
		done <- ErrBackpressured
		return done
	}
	p.queue = append(p.queue, &sendRequest{payload: payload, enqueued: time.Now(), done: done})
	return done
}

// Tick runs one send-algorithm step, serving at most k items, and must only
// be called from the owning EventLoop goroutine. It returns the number of
// items served, so the loop's idle strategy can tell real work from silence.
//
// Each frame send is classified by classifyOffer into one of four outcome
// classes: OfferBackPressured/OfferAdminAction leave the head request in
// the queue for the next tick; OfferNotConnected does the same, relying on
// the enqueue-timeout check above to eventually fail the request with
// ErrTimeout if the peer never comes back; OfferMaxPositionExceeded/
// OfferClosed fail the request immediately and dispose the publication,
// since neither is recoverable by retrying.
func (p *Publication) Tick(k int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.connected {
		return 0
	}
	served := 0
	for len(p.queue) > 0 && served < k {
		req := p.queue[0]
		if req.frames == nil {
			req.frames = FragmentMessage(p.sessionID, p.streamID, req.payload, p.opts.MTULength)
		}
		if time.Since(req.enqueued) > p.opts.PublicationTimeout {
			req.done <- ErrTimeout
			p.queue = p.queue[1:]
			served++
			continue
		}

		sendErr := p.sendFrames(req)
		switch classifyOffer(sendErr) {
		case OfferOK:
			req.done <- nil
			p.queue = p.queue[1:]
			served++
		case OfferBackPressured, OfferAdminAction, OfferNotConnected:
			return served
		default: // OfferMaxPositionExceeded, OfferClosed
			p.connected = false
			p.connectErr = sendErr
			p.closed = true
			req.done <- fmt.Errorf("%w: %v", ErrFatal, sendErr)
			p.queue = p.queue[1:]
			served++
			return served
		}
	}
	return served
}

// sendFrames writes req's remaining frames to the stream, stopping at the
// first error so req.sentUpTo only ever advances past frames actually
// accepted by the transport.
func (p *Publication) sendFrames(req *sendRequest) error {
	for req.sentUpTo < len(req.frames) {
		f := req.frames[req.sentUpTo]
		if err := p.stream.SendBytes(f.Encode()); err != nil {
			return err
		}
		req.sentUpTo++
	}
	return nil
}

// QueueLen reports the number of items currently queued for send.
func (p *Publication) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dispose marks the publication closed; pending items fail with ErrClosed
// (invariant I3) and the transport handle is released.
func (p *Publication) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, req := range p.queue {
		req.done <- ErrClosed
	}
	p.queue = nil
	if p.sess != nil {
		_ = p.sess.Close()
	}
}

func (p *Publication) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
