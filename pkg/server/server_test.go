package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/client"
	"aeronet/pkg/config"
	"aeronet/pkg/connection"
	"aeronet/pkg/resources"
	"aeronet/pkg/transport"
	"aeronet/pkg/transport/mem"
	"aeronet/pkg/uri"
)

func newRM(t *testing.T) *resources.ResourceManager {
	t.Helper()
	tr := mem.New()
	rm := resources.New(zap.NewNop(), tr, 2)
	if err := rm.Start(config.DriverConfig{Embedded: false}); err != nil {
		t.Fatalf("start resource manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rm.Dispose(ctx)
	})
	return rm
}

// TestServerReceivesData covers the "server receives data" scenario: a
// client sends two single-fragment messages and the server's handler
// observes exactly those two payloads, in order.
func TestServerReceivesData(t *testing.T) {
	rm := newRM(t)
	tuning := uri.DefaultOptions()

	var mu sync.Mutex
	var received []string
	gotBoth := make(chan struct{})

	handler := func(ctx context.Context, conn *connection.Connection) error {
		for {
			select {
			case payload, ok := <-conn.Inbound():
				if !ok {
					return nil
				}
				mu.Lock()
				received = append(received, string(payload))
				n := len(received)
				mu.Unlock()
				if n == 2 {
					close(gotBoth)
				}
			case <-ctx.Done():
				return nil
			}
		}
	}

	srv := New(rm, Options{
		Media:           "mem",
		ListenAddress:   "server-receives-data",
		ControlEndpoint: "server-receives-data-ctrl",
		Tuning:          tuning,
	}, handler, zap.NewNop())

	bindCtx, bindCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bindCancel()
	if err := srv.Bind(bindCtx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Dispose()

	cc := client.New(rm, client.Options{
		Media:           "mem",
		ServerAddress:   "server-receives-data",
		ControlEndpoint: "server-receives-data-ctrl",
		Tuning:          tuning,
	}, zap.NewNop())

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	conn, err := cc.Connect(connectCtx)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer conn.Dispose()

	for _, msg := range []string{"Hello", "world!"} {
		done := conn.Outbound().Enqueue([]byte(msg))
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("enqueue %q: %v", msg, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out enqueueing %q", msg)
		}
	}

	select {
	case <-gotBoth:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to observe both messages")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "Hello" || received[1] != "world!" {
		t.Fatalf("expected [Hello world!], got %v", received)
	}
}

// TestClientDisposeTriggersServerImageUnavailable covers the scenario where
// a client's dispose is observed by the server as an image-unavailable
// within the liveness window, via the handler returning.
func TestClientDisposeTriggersServerImageUnavailable(t *testing.T) {
	rm := newRM(t)
	tuning := uri.DefaultOptions()

	handlerDone := make(chan struct{})
	handler := func(ctx context.Context, conn *connection.Connection) error {
		<-conn.OnDispose()
		close(handlerDone)
		return nil
	}

	srv := New(rm, Options{
		Media:           "mem",
		ListenAddress:   "client-dispose-endpoint",
		ControlEndpoint: "client-dispose-ctrl",
		Tuning:          tuning,
	}, handler, zap.NewNop())

	bindCtx, bindCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bindCancel()
	if err := srv.Bind(bindCtx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Dispose()

	cc := client.New(rm, client.Options{
		Media:           "mem",
		ServerAddress:   "client-dispose-endpoint",
		ControlEndpoint: "client-dispose-ctrl",
		Tuning:          tuning,
	}, zap.NewNop())

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	conn, err := cc.Connect(connectCtx)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}

	conn.Dispose()

	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server handler to observe client dispose")
	}
}

// TestOnImageAvailableDropsSessionCollision covers the session-collision
// scenario: a second image-available for a session id already backed by a
// live connection must be refused rather than silently replacing it.
func TestOnImageAvailableDropsSessionCollision(t *testing.T) {
	rm := newRM(t)
	tuning := uri.DefaultOptions()

	srv := New(rm, Options{
		Media:           "mem",
		ListenAddress:   "collision-endpoint",
		ControlEndpoint: "collision-ctrl",
		Tuning:          tuning,
	}, func(ctx context.Context, conn *connection.Connection) error {
		<-ctx.Done()
		return nil
	}, zap.NewNop())

	const sessionID = int32(12345)
	firstConn := connection.New(sessionID, nil, 1)
	srv.mu.Lock()
	srv.connections[sessionID] = firstConn
	srv.mu.Unlock()

	// A second image-available for the same session id must be dropped: no
	// dynamic-publication goroutine is spawned and the existing connection
	// is left untouched.
	srv.onImageAvailable(sessionID, transport.PeerInfo{Addr: "duplicate-peer"})

	srv.mu.Lock()
	got := srv.connections[sessionID]
	count := len(srv.connections)
	srv.mu.Unlock()

	if got != firstConn {
		t.Fatalf("expected the original connection to survive the collision")
	}
	if count != 1 {
		t.Fatalf("expected exactly one connection to remain registered, got %d", count)
	}
}
