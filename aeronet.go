// Package aeronet is a reactive, full-duplex message-transport library
// layered over a pluggable session-oriented transport. A connector pairs
// one outbound publication with one inbound subscription using the
// transport's session id as a rendezvous token; a server handler
// demultiplexes many such sessions arriving on one shared subscription
// into independent connections using multi-destination-cast control
// channels for their reverse publications.
package aeronet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"aeronet/pkg/client"
	"aeronet/pkg/config"
	"aeronet/pkg/connection"
	"aeronet/pkg/observability"
	"aeronet/pkg/resources"
	"aeronet/pkg/server"
	"aeronet/pkg/transport/factory"
)

// Bootstrap builds the ambient stack one process needs to run clients and
// servers: a structured logger per cfg.Log, the transport named by the
// first entry of cfg.Transports, and a ResourceManager started against
// cfg.Driver. The returned logger should be passed to ClientBuilder's and
// ServerBuilder's Logger method.
func Bootstrap(cfg *config.Config) (*resources.ResourceManager, *zap.Logger, error) {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("aeronet: bootstrap logger: %w", err)
	}
	if len(cfg.Transports) == 0 {
		return nil, nil, fmt.Errorf("aeronet: bootstrap: no transports configured")
	}
	tr, err := factory.New(cfg.Transports[0].Kind)
	if err != nil {
		return nil, nil, fmt.Errorf("aeronet: bootstrap: %w", err)
	}
	rm := resources.New(logger, tr, len(cfg.Transports[0].Listen)+1)
	if err := rm.Start(cfg.Driver); err != nil {
		return nil, nil, fmt.Errorf("aeronet: bootstrap: start driver: %w", err)
	}
	return rm, logger, nil
}

// ConnectionHandler processes one established connection. Its return (or
// panic) disposes the connection.
type ConnectionHandler func(ctx context.Context, conn *connection.Connection) error

// ClientBuilder is the fluent entry point: CreateClient(rm).Options(o).Handle(fn).Connect(ctx).
type ClientBuilder struct {
	rm      *resources.ResourceManager
	opts    client.Options
	log     *zap.Logger
	handler ConnectionHandler
}

// CreateClient starts building a client connector over rm.
func CreateClient(rm *resources.ResourceManager) *ClientBuilder {
	return &ClientBuilder{rm: rm, log: zap.NewNop()}
}

func (b *ClientBuilder) Options(opts client.Options) *ClientBuilder {
	b.opts = opts
	return b
}

func (b *ClientBuilder) Logger(log *zap.Logger) *ClientBuilder {
	b.log = log
	return b
}

// Handle registers the function run once the connection is established.
func (b *ClientBuilder) Handle(fn ConnectionHandler) *ClientBuilder {
	b.handler = fn
	return b
}

// Connect dials the server, waits for the paired inbound channel to come
// up, and (if Handle was called) launches the handler on its own
// goroutine. It returns once the connection itself is ready; it does not
// wait for the handler to finish.
func (b *ClientBuilder) Connect(ctx context.Context) (*connection.Connection, error) {
	connector := client.New(b.rm, b.opts, b.log)
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("aeronet: connect: %w", err)
	}
	if b.handler != nil {
		go runHandler(b.log, conn, func(ctx context.Context) error { return b.handler(ctx, conn) })
	}
	return conn, nil
}

// ServerBuilder is the fluent entry point: CreateServer(rm).Options(o).Handle(fn).Bind(ctx).
type ServerBuilder struct {
	rm      *resources.ResourceManager
	opts    server.Options
	log     *zap.Logger
	handler ConnectionHandler
}

// CreateServer starts building a server handler over rm.
func CreateServer(rm *resources.ResourceManager) *ServerBuilder {
	return &ServerBuilder{rm: rm, log: zap.NewNop()}
}

func (b *ServerBuilder) Options(opts server.Options) *ServerBuilder {
	b.opts = opts
	return b
}

func (b *ServerBuilder) Logger(log *zap.Logger) *ServerBuilder {
	b.log = log
	return b
}

// Handle registers the function run once per accepted connection.
func (b *ServerBuilder) Handle(fn ConnectionHandler) *ServerBuilder {
	b.handler = fn
	return b
}

// Bind starts accepting sessions and returns the disposable handler.
func (b *ServerBuilder) Bind(ctx context.Context) (*server.ServerHandler, error) {
	h := server.New(b.rm, b.opts, server.HandlerFunc(b.handler), b.log)
	if err := h.Bind(ctx); err != nil {
		return nil, fmt.Errorf("aeronet: bind: %w", err)
	}
	return h, nil
}

func runHandler(log *zap.Logger, conn *connection.Connection, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panicked", zap.Any("recover", r))
		}
		conn.Dispose()
	}()
	if err := fn(context.Background()); err != nil {
		log.Warn("connection handler returned error", zap.Error(err))
	}
}
