package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/config"
	"aeronet/pkg/connection"
	"aeronet/pkg/resources"
	"aeronet/pkg/server"
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

// TestFragmentationRoundTrip sends a payload well beyond one MTU and
// expects the peer to observe exactly one reassembled payload identical to
// the original, per the fragmentation invariant.
func TestFragmentationRoundTrip(t *testing.T) {
	rm := newRM(t)
	tuning := uri.DefaultOptions()

	payload := bytes.Repeat([]byte{0xAB}, tuning.MTULength*5+7)

	receivedCh := make(chan []byte, 1)
	handler := func(ctx context.Context, conn *connection.Connection) error {
		select {
		case p := <-conn.Inbound():
			receivedCh <- p
		case <-ctx.Done():
		}
		return nil
	}

	srv := server.New(rm, server.Options{
		Media:           "mem",
		ListenAddress:   "frag-endpoint",
		ControlEndpoint: "frag-ctrl",
		Tuning:          tuning,
	}, handler, zap.NewNop())

	bindCtx, bindCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bindCancel()
	if err := srv.Bind(bindCtx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Dispose()

	cc := New(rm, Options{
		Media:           "mem",
		ServerAddress:   "frag-endpoint",
		ControlEndpoint: "frag-ctrl",
		Tuning:          tuning,
	}, zap.NewNop())

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	conn, err := cc.Connect(connectCtx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Dispose()

	done := conn.Outbound().Enqueue(payload)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out enqueueing large payload")
	}

	select {
	case got := <-receivedCh:
		if !bytes.Equal(got, payload) {
			t.Fatalf("reassembled payload mismatch: got %d bytes, want %d bytes", len(got), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reassembled payload")
	}
}

// TestTwoIndependentConnectionsDoNotInterfere dials two independent client
// connections against the same server and drives both concurrently,
// checking that every send on either connection completes without error.
func TestTwoIndependentConnectionsDoNotInterfere(t *testing.T) {
	rm := newRM(t)
	tuning := uri.DefaultOptions()

	handler := func(ctx context.Context, conn *connection.Connection) error {
		for {
			select {
			case <-conn.Inbound():
			case <-ctx.Done():
				return nil
			}
		}
	}

	srv := server.New(rm, server.Options{
		Media:           "mem",
		ListenAddress:   "two-conn-endpoint",
		ControlEndpoint: "two-conn-ctrl",
		Tuning:          tuning,
	}, handler, zap.NewNop())

	bindCtx, bindCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bindCancel()
	if err := srv.Bind(bindCtx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer srv.Dispose()

	dial := func() *connection.Connection {
		cc := New(rm, Options{
			Media:           "mem",
			ServerAddress:   "two-conn-endpoint",
			ControlEndpoint: "two-conn-ctrl",
			Tuning:          tuning,
		}, zap.NewNop())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := cc.Connect(ctx)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		return conn
	}

	connA := dial()
	defer connA.Dispose()
	connB := dial()
	defer connB.Dispose()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failedA, failedB int
	wg.Add(2)
	drive := func(conn *connection.Connection, failed *int, n int) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			done := conn.Outbound().Enqueue([]byte{byte(i)})
			select {
			case err := <-done:
				if err != nil {
					mu.Lock()
					*failed++
					mu.Unlock()
				}
			case <-time.After(5 * time.Second):
				t.Error("timed out enqueueing")
				return
			}
		}
	}
	go drive(connA, &failedA, 200)
	go drive(connB, &failedB, 200)
	wg.Wait()

	if failedA != 0 || failedB != 0 {
		t.Fatalf("expected both independent connections to complete cleanly, failedA=%d failedB=%d", failedA, failedB)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	c := &ClientConnector{opts: Options{Net: config.NetConfig{
		DialBackoffInitialMS: 100,
		DialBackoffMaxMS:     300,
	}}}

	if d := c.backoffDelay(0); d != 100*time.Millisecond {
		t.Fatalf("attempt 0: expected 100ms, got %v", d)
	}
	if d := c.backoffDelay(1); d != 200*time.Millisecond {
		t.Fatalf("attempt 1: expected 200ms, got %v", d)
	}
	if d := c.backoffDelay(2); d != 300*time.Millisecond {
		t.Fatalf("attempt 2: expected capped 300ms, got %v", d)
	}
}

func TestBackoffDelayDisabledByDefault(t *testing.T) {
	c := &ClientConnector{}
	if d := c.backoffDelay(0); d != 0 {
		t.Fatalf("expected zero delay with no Net config, got %v", d)
	}
}
