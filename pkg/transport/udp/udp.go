package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"aeronet/pkg/transport"
)

// Transport implements a datagram wire carrying one frame per call. It does
// not support multiplexed streams; one logical default stream is used.
type Transport struct {
	dialed   uint64
	accepted uint64
	closed   uint64
}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

// Stats reports session counts accumulated since construction, useful for
// a ResourceManager's periodic health logging.
func (t *Transport) Stats() Stats {
	return Stats{
		Dialed:   atomic.LoadUint64(&t.dialed),
		Accepted: atomic.LoadUint64(&t.accepted),
		Closed:   atomic.LoadUint64(&t.closed),
	}
}

// Stats is a snapshot of session counts for one Transport.
type Stats struct {
	Dialed   uint64
	Accepted uint64
	Closed   uint64
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	ul := &udpListener{
		conn:     c,
		tr:       t,
		sessions: make(map[string]*inboundSess),
		newCh:    make(chan *udpSession, 8),
		closeCh:  make(chan struct{}),
	}
	go ul.readLoop()
	go func() { <-ctx.Done(); _ = ul.Close() }()
	return ul, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	s := &udpSession{
		tr:            t,
		peer:          peer,
		establishedAt: time.Now(),
		conn:          c,
		raddr:         raddr,
		outbound:      true,
		rxCh:          make(chan []byte, 16),
		closed:        make(chan struct{}),
	}
	atomic.AddUint64(&t.dialed, 1)
	go s.recvLoop()
	go func() { <-ctx.Done(); _ = s.Close() }()
	return s, nil
}

// ---- Listener/demux ----

type inboundSess struct {
	rxCh chan []byte
}

type udpListener struct {
	conn     *net.UDPConn
	tr       *Transport
	mu       sync.Mutex
	sessions map[string]*inboundSess
	newCh    chan *udpSession
	closeCh  chan struct{}
}

func (l *udpListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *udpListener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("udp listener closed")
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *udpListener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.conn.Close()
}

func (l *udpListener) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := raddr.String()
		l.mu.Lock()
		ins, ok := l.sessions[key]
		if !ok {
			ins = &inboundSess{rxCh: make(chan []byte, 32)}
			l.sessions[key] = ins
			s := &udpSession{
				tr:            l.tr,
				peer:          transport.PeerInfo{ID: transport.AddrPeerID(transport.KindUDP, raddr), Addr: key},
				establishedAt: time.Now(),
				conn:          l.conn,
				raddr:         raddr,
				inboundRx:     ins.rxCh,
				closed:        make(chan struct{}),
			}
			atomic.AddUint64(&l.tr.accepted, 1)
			select {
			case l.newCh <- s:
			default:
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case ins.rxCh <- pkt:
		default:
		}
		l.mu.Unlock()
	}
}

// ---- Session/Stream ----

type udpSession struct {
	tr            *Transport
	peer          transport.PeerInfo
	conn          *net.UDPConn
	raddr         *net.UDPAddr
	outbound      bool
	inboundRx     chan []byte // set when the session is listener-side (shared socket)
	rxCh          chan []byte // set when the session owns its own connected socket
	closeOnce     sync.Once
	closed        chan struct{}
	establishedAt time.Time
	lastSeen      time.Time
}

func (s *udpSession) Peer() transport.PeerInfo      { return s.peer }
func (s *udpSession) TransportKind() transport.Kind { return transport.KindUDP }
func (s *udpSession) LocalAddr() net.Addr           { return s.conn.LocalAddr() }
func (s *udpSession) RemoteAddr() net.Addr          { return s.raddr }

func (s *udpSession) OpenStream(ctx context.Context) (transport.Stream, error) {
	return &udpStream{s: s}, nil
}

func (s *udpSession) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return s.OpenStream(ctx)
}

func (s *udpSession) Quality() transport.Quality {
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *udpSession) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case s.rxCh <- pkt:
		default:
		}
	}
}

func (s *udpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.outbound {
			err = s.conn.Close()
		}
		if s.tr != nil {
			atomic.AddUint64(&s.tr.closed, 1)
		}
		close(s.closed)
	})
	return err
}

type udpStream struct{ s *udpSession }

func (st *udpStream) SendBytes(b []byte) error {
	var err error
	if st.s.outbound {
		_, err = st.s.conn.Write(b)
	} else {
		_, err = st.s.conn.WriteToUDP(b, st.s.raddr)
	}
	if err == nil {
		st.s.lastSeen = time.Now()
	}
	return err
}

func (st *udpStream) RecvBytes() ([]byte, error) {
	var pkt []byte
	if st.s.outbound {
		pkt = <-st.s.rxCh
	} else {
		pkt = <-st.s.inboundRx
	}
	if pkt == nil {
		return nil, errors.New("udp stream closed")
	}
	st.s.lastSeen = time.Now()
	return pkt, nil
}

func (st *udpStream) Close() error { return nil }
