// Package client implements the client-side connector: dial outbound
// first, derive the driver-assigned session id, then bring up an inbound
// subscription on the MDC dynamic-control channel qualified by that
// session id, mirroring the source's AeronClientConnector.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/config"
	"aeronet/pkg/connection"
	"aeronet/pkg/driver"
	"aeronet/pkg/observability"
	"aeronet/pkg/resources"
	"aeronet/pkg/transport"
	"aeronet/pkg/uri"
)

// Options describes one client connector's addressing and tuning.
type Options struct {
	// Media selects the wire transport ("tcp", "udp", "quic", "mem").
	Media string
	// ServerAddress is the server's shared inbound endpoint.
	ServerAddress string
	// ControlEndpoint is the server's control-endpoint used for the MDC
	// dynamic-registration handshake of the reverse (server->client) channel.
	ControlEndpoint string
	// InboundEndpoint optionally pins the client's own inbound bind
	// address; left empty, one is derived per session automatically.
	InboundEndpoint string

	Tuning uri.Options

	// Net bounds the delay between session-collision retries. The zero
	// value disables the delay, retrying immediately.
	Net config.NetConfig
}

// ClientConnector opens full-duplex connections to one server address.
type ClientConnector struct {
	rm   *resources.ResourceManager
	opts Options
	log  *zap.Logger
}

// New constructs a connector over rm.
func New(rm *resources.ResourceManager, opts Options, log *zap.Logger) *ClientConnector {
	return &ClientConnector{rm: rm, opts: opts, log: log}
}

// Connect dials the server and brings up the paired inbound channel,
// retrying with a fresh outbound publication up to Tuning.SessionCollisionRetries
// times if the inbound image never becomes available (the source's
// documented open question about session ids not being globally unique).
func (c *ClientConnector) Connect(ctx context.Context) (*connection.Connection, error) {
	tuning := c.opts.Tuning
	var lastErr error
	for attempt := 0; attempt <= tuning.SessionCollisionRetries; attempt++ {
		conn, err := c.tryConnect(ctx, tuning)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !errors.Is(err, driver.ErrTimeout) && !errors.Is(err, driver.ErrNotConnected) {
			return nil, err
		}
		c.log.Warn("inbound image not available, retrying with fresh publication",
			zap.Int("attempt", attempt), zap.Error(err))
		if delay := c.backoffDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("client connect: %w: %w", driver.ErrSessionCollision, lastErr)
}

// backoffDelay computes the session-collision retry delay from
// Options.Net: DialBackoffInitialMS doubling per attempt up to
// DialBackoffMaxMS, plus up to DialBackoffJitterMS of random jitter to
// avoid every retrying client re-dialing in lockstep.
func (c *ClientConnector) backoffDelay(attempt int) time.Duration {
	n := c.opts.Net
	if n.DialBackoffInitialMS <= 0 {
		return 0
	}
	ms := n.DialBackoffInitialMS << attempt
	if n.DialBackoffMaxMS > 0 && ms > n.DialBackoffMaxMS {
		ms = n.DialBackoffMaxMS
	}
	if n.DialBackoffJitterMS > 0 {
		ms += rand.Intn(n.DialBackoffJitterMS + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

type pendingConn struct {
	mu   sync.Mutex
	conn *connection.Connection
}

func (p *pendingConn) set(c *connection.Connection) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

func (p *pendingConn) deliver(payload []byte) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Deliver(payload)
}

func (p *pendingConn) dispose() {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c != nil {
		c.Dispose()
	}
}

func (c *ClientConnector) tryConnect(ctx context.Context, tuning uri.Options) (*connection.Connection, error) {
	outbound := uri.New(c.opts.Media).WithEndpoint(c.opts.ServerAddress)

	pubFuture := c.rm.Publication(ctx, outbound, tuning.ClientStreamID, tuning)
	pub, err := pubFuture.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("client connect: outbound publication: %w", err)
	}
	sessionID := pub.SessionID()
	log := c.log.With(observability.SessionField(sessionID))

	inboundEndpoint := c.opts.InboundEndpoint
	if inboundEndpoint == "" {
		inboundEndpoint = defaultInboundEndpoint(c.opts.Media, sessionID)
	}
	inboundChannel := uri.New(c.opts.Media).
		WithEndpoint(inboundEndpoint).
		WithControl(c.opts.ControlEndpoint).
		WithDynamicControlMode().
		WithSessionID(sessionID)

	pending := &pendingConn{}
	available := make(chan struct{})
	var availOnce, unavailOnce sync.Once

	onAvailable := func(sid int32, peer transport.PeerInfo) {
		if sid != sessionID {
			return
		}
		log.Debug("client inbound image available", zap.String("peer", peer.Addr))
		availOnce.Do(func() { close(available) })
	}
	onUnavailable := func(sid int32) {
		if sid != sessionID {
			return
		}
		log.Debug("client inbound image unavailable")
		unavailOnce.Do(pending.dispose)
	}
	handler := func(sid int32, payload []byte) {
		if sid != sessionID {
			log.Warn("client inbound received foreign session id, dropping", zap.Int32("got", sid))
			return
		}
		if err := pending.deliver(payload); err != nil && errors.Is(err, driver.ErrSlowConsumer) {
			log.Warn("client connection disposed as a slow consumer")
		}
	}

	subFuture := c.rm.Subscription(ctx, inboundChannel, tuning.ServerStreamID, sessionID, tuning, onAvailable, onUnavailable, handler)
	sub, err := subFuture.Get(ctx)
	if err != nil {
		pub.Dispose()
		return nil, fmt.Errorf("client connect: inbound subscription: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, tuning.ConnectTimeout)
	defer cancel()
	select {
	case <-available:
	case <-connectCtx.Done():
		_ = sub.Dispose()
		pub.Dispose()
		return nil, fmt.Errorf("client connect: %w", driver.ErrNotConnected)
	}

	conn := connection.New(sessionID, pub, tuning.SendQueueCapacity)
	pending.set(conn)
	log.Debug("client connection established")
	return conn, nil
}

// defaultInboundEndpoint derives a per-session bind address for the
// client's inbound subscription when none is configured explicitly. The
// in-process transport has no OS-assigned ephemeral ports, so its
// addresses are named by session id to stay unique per connection; real
// network media bind an ephemeral port and announce whatever the listener
// reports back to the control-endpoint.
func defaultInboundEndpoint(media string, sessionID int32) string {
	if media == "mem" {
		return fmt.Sprintf("client-inbound-%d", sessionID)
	}
	return ":0"
}
