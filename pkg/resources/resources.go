// Package resources implements the process-wide ResourceManager: it owns
// the transport driver, the event loops, and the publication/subscription
// caches, and refcounts driver start/stop the way a single embedded media
// driver is shared across every client and server in one process.
package resources

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/config"
	"aeronet/pkg/driver"
	"aeronet/pkg/eventloop"
	"aeronet/pkg/transport"
	"aeronet/pkg/uri"
)

type driverState int

const (
	driverNotStarted driverState = iota
	driverStarted
	driverShuttingDown
)

// PublicationFuture completes once the transport has returned a valid
// publication handle (or failed to).
type PublicationFuture struct {
	ch chan pubOutcome
}

type pubOutcome struct {
	pub *driver.Publication
	err error
}

// Get blocks until the publication is connected, ctx is done, or the
// future already completed.
func (f *PublicationFuture) Get(ctx context.Context) (*driver.Publication, error) {
	select {
	case o := <-f.ch:
		f.ch <- o
		return o.pub, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscriptionFuture completes as soon as the subscription handle has been
// added to its event loop, not when an image appears.
type SubscriptionFuture struct {
	ch chan subOutcome
}

type subOutcome struct {
	sub *driver.Subscription
	err error
}

func (f *SubscriptionFuture) Get(ctx context.Context) (*driver.Subscription, error) {
	select {
	case o := <-f.ch:
		f.ch <- o
		return o.sub, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pubKey struct {
	channel  string
	streamID int32
}

type subKey struct {
	channel  string
	streamID int32
}

type teardownFn func(ctx context.Context)

// ResourceManager owns every long-lived resource in one process: the
// embedded driver's directory, N event loops, and the publication and
// subscription caches pinned to them. Construct one per process; Start and
// Dispose refcount so multiple clients/servers sharing a ResourceManager
// don't race to launch or tear down the driver underneath each other.
type ResourceManager struct {
	log *zap.Logger
	tr  transport.Transport

	loops []*eventloop.EventLoop

	mu       sync.Mutex
	state    driverState
	refcount int
	cfg      config.DriverConfig

	pubs       map[pubKey]*PublicationFuture
	subs       map[subKey]*SubscriptionFuture
	registrars map[string]*driver.Registrar

	teardownMu sync.Mutex
	teardown   []teardownFn
}

// New constructs a ResourceManager over tr with n event loops. n is
// clamped to at least 1.
func New(log *zap.Logger, tr transport.Transport, n int) *ResourceManager {
	if n < 1 {
		n = 1
	}
	loops := make([]*eventloop.EventLoop, n)
	for i := range loops {
		loops[i] = eventloop.New(log.Named(fmt.Sprintf("loop-%d", i)), uri.DefaultOptions().FragmentLimit)
	}
	return &ResourceManager{
		log:        log,
		tr:         tr,
		loops:      loops,
		pubs:       make(map[pubKey]*PublicationFuture),
		subs:       make(map[subKey]*SubscriptionFuture),
		registrars: make(map[string]*driver.Registrar),
	}
}

// Registrar returns the shared MDC dynamic-registration listener bound at
// controlEndpoint, creating it on first use. One registrar serves every
// dynamic reverse publication a server hands out on that control-endpoint.
func (rm *ResourceManager) Registrar(ctx context.Context, controlEndpoint string) (*driver.Registrar, error) {
	rm.mu.Lock()
	if r, ok := rm.registrars[controlEndpoint]; ok {
		rm.mu.Unlock()
		return r, nil
	}
	rm.mu.Unlock()

	r, err := driver.ListenRegistrar(ctx, rm.tr, controlEndpoint)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	if existing, ok := rm.registrars[controlEndpoint]; ok {
		rm.mu.Unlock()
		_ = r.Close()
		return existing, nil
	}
	rm.registrars[controlEndpoint] = r
	rm.mu.Unlock()
	rm.addTeardown(func(ctx context.Context) { _ = r.Close() })
	return r, nil
}

// Start launches the driver's resources on first call and increments a
// refcount on every subsequent call, mirroring the embedded driver's
// NotStarted/Started/ShuttingDown state machine: launching while shutdown
// is already pending moves the manager back into the started state.
func (rm *ResourceManager) Start(cfg config.DriverConfig) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	switch rm.state {
	case driverNotStarted, driverShuttingDown:
		if cfg.Embedded {
			if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
				return fmt.Errorf("resources: create driver dir: %w", err)
			}
		}
		rm.cfg = cfg
		rm.state = driverStarted
		rm.refcount = 1
		for _, l := range rm.loops {
			l.Start()
		}
		rm.log.Info("driver started", zap.String("dir", cfg.Dir), zap.Bool("embedded", cfg.Embedded))
	case driverStarted:
		rm.refcount++
	}
	return nil
}

// loopFor picks the event loop a channel+stream pins to, by hashing the
// channel string so the same identity always lands on the same loop.
func (rm *ResourceManager) loopFor(channel uri.ChannelUri) *eventloop.EventLoop {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel.String()))
	return rm.loops[int(h.Sum32())%len(rm.loops)]
}

// Publication returns the cached publication for (channel, streamId) or
// constructs a new dialing publication pinned to hash(channel) mod N, and
// returns a future that completes once it connects.
func (rm *ResourceManager) Publication(ctx context.Context, channel uri.ChannelUri, streamID int32, opts uri.Options) *PublicationFuture {
	key := pubKey{channel: channel.String(), streamID: streamID}

	rm.mu.Lock()
	if f, ok := rm.pubs[key]; ok {
		rm.mu.Unlock()
		return f
	}
	f := &PublicationFuture{ch: make(chan pubOutcome, 1)}
	rm.pubs[key] = f
	loop := rm.loopFor(channel)
	rm.mu.Unlock()

	pub := driver.NewDialPublication(rm.tr, channel, streamID, opts, rm.log.Named("publication"))
	loop.AddPublication(pub)
	rm.addTeardown(func(ctx context.Context) { loop.RemovePublication(pub) })

	go func() {
		err := pub.EnsureConnected(ctx, opts.ConnectTimeout)
		if err != nil {
			f.ch <- pubOutcome{err: err}
			return
		}
		f.ch <- pubOutcome{pub: pub}
	}()
	return f
}

// DynamicPublication is the server-side counterpart: it constructs a
// reverse publication that waits on registrar for sessionID's dynamic
// subscriber to announce itself, then dials back.
func (rm *ResourceManager) DynamicPublication(ctx context.Context, registrar *driver.Registrar, channel uri.ChannelUri, streamID, sessionID int32, opts uri.Options) *PublicationFuture {
	key := pubKey{channel: fmt.Sprintf("%s#%d", channel.String(), sessionID), streamID: streamID}

	rm.mu.Lock()
	if f, ok := rm.pubs[key]; ok {
		rm.mu.Unlock()
		return f
	}
	f := &PublicationFuture{ch: make(chan pubOutcome, 1)}
	rm.pubs[key] = f
	loop := rm.loopFor(channel)
	rm.mu.Unlock()

	pub := driver.NewDynamicPublication(rm.tr, registrar, channel, streamID, sessionID, opts, rm.log.Named("publication"))
	loop.AddPublication(pub)
	rm.addTeardown(func(ctx context.Context) { loop.RemovePublication(pub) })

	go func() {
		err := pub.EnsureConnected(ctx, opts.ConnectTimeout)
		if err != nil {
			f.ch <- pubOutcome{err: err}
			return
		}
		f.ch <- pubOutcome{pub: pub}
	}()
	return f
}

// Subscription returns the cached subscription for (channel, streamId) or
// constructs a new one pinned to hash(channel) mod N. The future completes
// as soon as the subscription is added to its loop, not when an image
// appears.
func (rm *ResourceManager) Subscription(
	ctx context.Context,
	channel uri.ChannelUri,
	streamID int32,
	registerSessionID int32,
	opts uri.Options,
	onAvailable driver.ImageAvailableFunc,
	onUnavailable driver.ImageUnavailableFunc,
	handler driver.FragmentHandler,
) *SubscriptionFuture {
	key := subKey{channel: channel.String(), streamID: streamID}

	rm.mu.Lock()
	if f, ok := rm.subs[key]; ok {
		rm.mu.Unlock()
		return f
	}
	f := &SubscriptionFuture{ch: make(chan subOutcome, 1)}
	rm.subs[key] = f
	loop := rm.loopFor(channel)
	rm.mu.Unlock()

	sub, err := driver.NewSubscription(ctx, rm.tr, channel, streamID, registerSessionID, opts, rm.log.Named("subscription"), onAvailable, onUnavailable, handler)
	if err != nil {
		f.ch <- subOutcome{err: err}
		return f
	}
	loop.AddSubscription(sub)
	rm.addTeardown(func(ctx context.Context) { loop.RemoveSubscription(sub) })
	f.ch <- subOutcome{sub: sub}
	return f
}

func (rm *ResourceManager) addTeardown(fn teardownFn) {
	rm.teardownMu.Lock()
	rm.teardown = append(rm.teardown, fn)
	rm.teardownMu.Unlock()
}

// Dispose tears down every cached resource in LIFO order
// (most-recently-created first), and, once the driver's refcount reaches
// zero, stops the event loops and removes the driver directory. Bounded by
// ctx. It does not block later Publication or Subscription calls.
func (rm *ResourceManager) Dispose(ctx context.Context) error {
	rm.teardownMu.Lock()
	fns := rm.teardown
	rm.teardown = nil
	rm.teardownMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](ctx)
	}

	rm.mu.Lock()
	switch rm.state {
	case driverStarted:
		rm.refcount--
		if rm.refcount > 0 {
			rm.mu.Unlock()
			return nil
		}
		rm.state = driverShuttingDown
	default:
		rm.mu.Unlock()
		return nil
	}
	cfg := rm.cfg
	rm.mu.Unlock()

	for _, l := range rm.loops {
		if err := l.Stop(ctx); err != nil {
			rm.log.Warn("event loop did not stop cleanly", zap.Error(err))
		}
	}

	if cfg.Embedded && cfg.Dir != "" {
		if err := rm.retryRemoveDriverDir(ctx, cfg.Dir); err != nil {
			rm.log.Warn("failed to remove driver directory", zap.String("dir", cfg.Dir), zap.Error(err))
		}
	}

	rm.mu.Lock()
	rm.state = driverNotStarted
	rm.refcount = 0
	rm.mu.Unlock()
	rm.log.Info("driver shutdown complete")
	return nil
}

// retryRemoveDriverDir mirrors the source's retrying shutdown task: it
// keeps retrying directory removal until it succeeds or ctx is done,
// rather than failing the whole dispose on one transient error.
func (rm *ResourceManager) retryRemoveDriverDir(ctx context.Context, dir string) error {
	const retryInterval = 250 * time.Millisecond
	for {
		err := os.RemoveAll(dir)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryInterval):
		}
	}
}
