// Package server implements the server-side handler: one shared inbound
// subscription demultiplexed by session id into per-session connections,
// each backed by its own MDC dynamic reverse publication, mirroring the
// source's AeronServerHandler.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"aeronet/pkg/connection"
	"aeronet/pkg/driver"
	"aeronet/pkg/observability"
	"aeronet/pkg/resources"
	"aeronet/pkg/transport"
	"aeronet/pkg/uri"
)

// HandlerFunc is invoked once per accepted connection, on its own
// goroutine. Its return (or panic) disposes the connection.
type HandlerFunc func(ctx context.Context, conn *connection.Connection) error

// Options describes one server handler's addressing and tuning.
type Options struct {
	// Media selects the wire transport ("tcp", "udp", "quic", "mem").
	Media string
	// ListenAddress is the shared inbound endpoint all clients dial.
	ListenAddress string
	// ControlEndpoint is where clients register their inbound address so
	// this server's per-session reverse publications can dial it.
	ControlEndpoint string

	Tuning uri.Options
}

// ServerHandler accepts many concurrent client sessions on one shared
// subscription and demultiplexes them into independent connections.
type ServerHandler struct {
	rm      *resources.ResourceManager
	opts    Options
	handler HandlerFunc
	log     *zap.Logger

	mu          sync.Mutex
	connections map[int32]*connection.Connection
	closed      bool
	sub         *driver.Subscription

	disposeOnce sync.Once
	doneCh      chan struct{}
}

// New constructs a handler. Call Bind to start accepting sessions.
func New(rm *resources.ResourceManager, opts Options, handler HandlerFunc, log *zap.Logger) *ServerHandler {
	return &ServerHandler{
		rm:          rm,
		opts:        opts,
		handler:     handler,
		log:         log,
		connections: make(map[int32]*connection.Connection),
		doneCh:      make(chan struct{}),
	}
}

// Bind starts the shared inbound subscription and the control-endpoint
// registrar used by per-session reverse publications.
func (s *ServerHandler) Bind(ctx context.Context) error {
	if _, err := s.rm.Registrar(ctx, s.opts.ControlEndpoint); err != nil {
		return fmt.Errorf("server bind: registrar: %w", err)
	}

	inboundChannel := uri.New(s.opts.Media).WithEndpoint(s.opts.ListenAddress)
	subFuture := s.rm.Subscription(ctx, inboundChannel, s.opts.Tuning.ClientStreamID, 0, s.opts.Tuning,
		s.onImageAvailable, s.onImageUnavailable, s.onFragment)
	sub, err := subFuture.Get(ctx)
	if err != nil {
		return fmt.Errorf("server bind: inbound subscription: %w", err)
	}
	s.sub = sub
	s.log.Info("server bound", zap.String("listen", s.opts.ListenAddress), zap.String("control", s.opts.ControlEndpoint))
	return nil
}

// onImageAvailable creates the per-session reverse publication on the MDC
// control channel qualified by sessionId: this is the server-side half of
// the session-id rendezvous handshake.
func (s *ServerHandler) onImageAvailable(sessionID int32, peer transport.PeerInfo) {
	log := s.log.With(observability.SessionField(sessionID))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.connections[sessionID]; exists {
		s.mu.Unlock()
		log.Error("server connection already exists, dropping duplicate image")
		return
	}
	s.mu.Unlock()

	log.Debug("creating server connection", zap.String("peer", peer.Addr))

	outboundChannel := uri.New(s.opts.Media).
		WithControl(s.opts.ControlEndpoint).
		WithDynamicControlMode().
		WithSessionID(sessionID)

	go func() {
		registrar, err := s.rm.Registrar(context.Background(), s.opts.ControlEndpoint)
		if err != nil {
			log.Warn("failed to obtain registrar", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Tuning.ConnectTimeout)
		defer cancel()
		pubFuture := s.rm.DynamicPublication(ctx, registrar, outboundChannel, s.opts.Tuning.ServerStreamID, sessionID, s.opts.Tuning)
		pub, err := pubFuture.Get(ctx)
		if err != nil {
			log.Warn("failed to create server reverse publication", zap.Error(err))
			return
		}
		conn := connection.New(sessionID, pub, s.opts.Tuning.SendQueueCapacity)
		s.setupConnection(sessionID, conn)
	}()
}

// onImageUnavailable removes and disposes the connection for sessionID.
func (s *ServerHandler) onImageUnavailable(sessionID int32) {
	s.mu.Lock()
	conn, ok := s.connections[sessionID]
	delete(s.connections, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Debug("server inbound became unavailable", observability.SessionField(sessionID))
	conn.Dispose()
}

// onFragment demultiplexes one assembled inbound payload by session id.
// An unknown session id is logged and dropped rather than treated as an
// error, since the image-available race can briefly precede registration.
func (s *ServerHandler) onFragment(sessionID int32, payload []byte) {
	s.mu.Lock()
	conn, ok := s.connections[sessionID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("received message but server connection not found",
			observability.SessionField(sessionID))
		return
	}
	if err := conn.Deliver(payload); err != nil {
		if errors.Is(err, driver.ErrSlowConsumer) {
			s.log.Warn("server connection disposed as a slow consumer",
				observability.SessionField(sessionID))
		}
	}
}

func (s *ServerHandler) setupConnection(sessionID int32, conn *connection.Connection) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Dispose()
		return
	}
	s.connections[sessionID] = conn
	s.mu.Unlock()

	conn.AddDisposeHook(func() {
		s.mu.Lock()
		delete(s.connections, sessionID)
		s.mu.Unlock()
	})

	if s.handler == nil {
		s.log.Warn("handler function is not specified", observability.SessionField(sessionID))
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panicked", zap.Any("recover", r), observability.SessionField(sessionID))
				conn.Dispose()
			}
		}()
		if err := s.handler(context.Background(), conn); err != nil {
			s.log.Warn("handler returned error", zap.Error(err), observability.SessionField(sessionID))
		}
		conn.Dispose()
	}()
}

// Dispose drains every connection concurrently, then completes OnDispose.
func (s *ServerHandler) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := make([]*connection.Connection, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *connection.Connection) {
				defer wg.Done()
				c.Dispose()
			}(c)
		}
		wg.Wait()
		if s.sub != nil {
			_ = s.sub.Dispose()
		}
		s.log.Debug("server handler disposed")
		close(s.doneCh)
	})
}

func (s *ServerHandler) IsDisposed() bool {
	select {
	case <-s.doneCh:
		return true
	default:
		return false
	}
}

func (s *ServerHandler) OnDispose() <-chan struct{} { return s.doneCh }
