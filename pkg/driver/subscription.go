package driver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/transport"
	"aeronet/pkg/uri"
)

// FragmentHandler receives one fully reassembled message for a session.
type FragmentHandler func(sessionID int32, payload []byte)

// ImageAvailableFunc fires the first time a session's image is observed.
type ImageAvailableFunc func(sessionID int32, peer transport.PeerInfo)

// ImageUnavailableFunc fires once a session's image can no longer deliver
// fragments, whether by clean close or read error.
type ImageUnavailableFunc func(sessionID int32)

// rawFragment is a frame plus the image it arrived on, queued by a
// session's reader goroutine for the single poller to drain.
type rawFragment struct {
	sessionID int32
	frame     Frame
}

// image tracks per-session reassembly state. The server side holds many;
// the client side in practice holds exactly one.
type image struct {
	sess      transport.Session
	stream    transport.Stream
	peer      transport.PeerInfo
	asm       Assembler
	announced bool
	lastFrame time.Time
}

// Subscription is the spec's MessageSubscription: a shared inbound endpoint
// that demultiplexes arriving sessions by the session id carried in each
// fragment's header, not by transport identity. poll(fragmentLimit) is the
// only place fragments are reassembled and handed to the user handler, so
// at most one fragment-handler invocation is ever in flight (invariant I2);
// everything else here runs on background reader goroutines that move raw
// bytes only.
type Subscription struct {
	channel  uri.ChannelUri
	streamID int32
	opts     uri.Options
	log      *zap.Logger

	tr       transport.Transport
	listener transport.Listener

	onAvailable   ImageAvailableFunc
	onUnavailable ImageUnavailableFunc
	handler       FragmentHandler

	mu     sync.Mutex
	images map[int32]*image
	closed bool

	rx chan rawFragment
}

// NewSubscription binds a listener at channel's endpoint and begins
// accepting sessions in the background. If channel is in dynamic control
// mode with a control-endpoint set, it first registers registerSessionID
// with that control-endpoint so a matching dynamic publication on the other
// side learns where to dial back to (the MDC handshake); registerSessionID
// is ignored otherwise.
func NewSubscription(
	ctx context.Context,
	tr transport.Transport,
	channel uri.ChannelUri,
	streamID int32,
	registerSessionID int32,
	opts uri.Options,
	log *zap.Logger,
	onAvailable ImageAvailableFunc,
	onUnavailable ImageUnavailableFunc,
	handler FragmentHandler,
) (*Subscription, error) {
	l, err := tr.Listen(ctx, channel.Endpoint())
	if err != nil {
		return nil, err
	}
	s := &Subscription{
		channel:       channel,
		streamID:      streamID,
		opts:          opts,
		log:           log,
		tr:            tr,
		listener:      l,
		onAvailable:   onAvailable,
		onUnavailable: onUnavailable,
		handler:       handler,
		images:        make(map[int32]*image),
		rx:            make(chan rawFragment, opts.FragmentLimit*4),
	}
	if channel.IsDynamicControlMode() {
		if ctrl := channel.Control(); ctrl != "" {
			if err := Register(ctx, tr, ctrl, l.Addr().String(), registerSessionID, streamID); err != nil {
				log.Warn("dynamic registration failed", zap.Error(err))
			}
		}
	}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Subscription) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}
		go s.readSession(ctx, sess)
	}
}

// readSession pulls raw frames off one transport session until it errors or
// the subscription closes, handing each to the shared rx channel. It never
// touches assembler state directly, so concurrent sessions never race on
// reassembly.
func (s *Subscription) readSession(ctx context.Context, sess transport.Session) {
	st, err := sess.OpenStream(ctx)
	if err != nil {
		sess.Close()
		return
	}
	for {
		buf, err := st.RecvBytes()
		if err != nil {
			s.closeSession(sess)
			return
		}
		f, err := DecodeFrame(buf)
		if err != nil {
			s.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.mu.Lock()
		closed := s.closed
		if !closed {
			img, known := s.images[f.Header.SessionID]
			if !known {
				img = &image{sess: sess, stream: st, peer: sess.Peer()}
				s.images[f.Header.SessionID] = img
			}
			img.lastFrame = time.Now()
		}
		s.mu.Unlock()
		if closed {
			return
		}
		select {
		case s.rx <- rawFragment{sessionID: f.Header.SessionID, frame: f}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) closeSession(sess transport.Session) {
	s.mu.Lock()
	var lost int32 = -1
	for id, img := range s.images {
		if img.sess == sess {
			lost = id
			delete(s.images, id)
			break
		}
	}
	s.mu.Unlock()
	sess.Close()
	if lost != -1 && s.onUnavailable != nil {
		s.onUnavailable(lost)
	}
}

// Poll drains up to fragmentLimit queued fragments, reassembling and
// delivering completed messages to the handler. It must only be called from
// the owning EventLoop goroutine; this is the sole place the handler and
// per-session assemblers are touched (invariant I2).
func (s *Subscription) Poll(fragmentLimit int) int {
	drained := s.checkLiveness()
	for drained < fragmentLimit {
		var rf rawFragment
		select {
		case rf = <-s.rx:
		default:
			return drained
		}
		drained++

		s.mu.Lock()
		img, ok := s.images[rf.sessionID]
		s.mu.Unlock()
		if !ok {
			s.log.Warn("fragment for unknown session, dropping", zap.Int32("session_id", rf.sessionID))
			continue
		}

		if rf.frame.Header.Type == FrameSetup {
			s.mu.Lock()
			firstAnnounce := !img.announced
			img.announced = true
			s.mu.Unlock()
			if firstAnnounce && s.onAvailable != nil {
				s.onAvailable(rf.sessionID, img.peer)
			}
			continue
		}
		if rf.frame.Header.Type != FrameData {
			continue
		}

		payload, complete, err := img.asm.Feed(rf.frame)
		if err != nil {
			s.log.Warn("reassembly error, dropping fragment", zap.Int32("session_id", rf.sessionID), zap.Error(err))
			continue
		}
		if complete && s.handler != nil {
			s.handler(rf.sessionID, payload)
		}
	}
	return drained
}

// checkLiveness closes every image that has gone silent past
// opts.ImageLivenessTimeout without any transport-level read error (e.g. the
// peer process was killed or the network partitioned rather than the
// connection closing cleanly). Runs only from Poll, so it shares Poll's
// single-goroutine ownership of s.images; a zero ImageLivenessTimeout
// disables the check.
func (s *Subscription) checkLiveness() int {
	if s.opts.ImageLivenessTimeout <= 0 {
		return 0
	}
	now := time.Now()
	s.mu.Lock()
	var stale []int32
	imgs := make([]*image, 0)
	for id, img := range s.images {
		if !img.lastFrame.IsZero() && now.Sub(img.lastFrame) > s.opts.ImageLivenessTimeout {
			stale = append(stale, id)
			imgs = append(imgs, img)
		}
	}
	for _, id := range stale {
		delete(s.images, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.log.Warn("image liveness timeout, disposing session", zap.Int32("session_id", id))
	}
	for _, img := range imgs {
		img.sess.Close()
	}
	for _, id := range stale {
		if s.onUnavailable != nil {
			s.onUnavailable(id)
		}
	}
	return len(stale)
}

// FragmentLimit is the per-poll fragment budget this subscription was
// configured with, so an owning loop can honor a caller's own
// uri.Options.FragmentLimit instead of a loop-wide default.
func (s *Subscription) FragmentLimit() int { return s.opts.FragmentLimit }

// Images reports the currently live session ids.
func (s *Subscription) Images() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.images))
	for id := range s.images {
		out = append(out, id)
	}
	return out
}

// Dispose stops accepting new sessions and closes every live image.
func (s *Subscription) Dispose() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	imgs := s.images
	s.images = make(map[int32]*image)
	s.mu.Unlock()
	for _, img := range imgs {
		img.sess.Close()
	}
	return s.listener.Close()
}
