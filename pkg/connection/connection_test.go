package connection

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/driver"
	"aeronet/pkg/protocol"
	"aeronet/pkg/protocol/codec"
	"aeronet/pkg/transport/mem"
	"aeronet/pkg/uri"
)

type greeting struct {
	Name string `json:"name"`
}

func newTestPublication(t *testing.T) *driver.Publication {
	t.Helper()
	tr := mem.New()
	ctx := context.Background()
	l, err := tr.Listen(ctx, "conn-test")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		sess, err := l.Accept(ctx)
		if err != nil {
			return
		}
		st, _ := sess.OpenStream(ctx)
		for {
			if _, err := st.RecvBytes(); err != nil {
				return
			}
		}
	}()
	channel := uri.New("mem").WithEndpoint("conn-test")
	pub := driver.NewDialPublication(tr, channel, 1, uri.DefaultOptions(), zap.NewNop())
	if err := pub.EnsureConnected(ctx, 2*time.Second); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	return pub
}

func TestConnectionDeliverAndDrain(t *testing.T) {
	pub := newTestPublication(t)
	conn := New(42, pub, 2)

	if conn.SessionID() != 42 {
		t.Fatalf("unexpected session id")
	}
	if conn.State() != StateActive {
		t.Fatalf("expected active state, got %v", conn.State())
	}

	if err := conn.Deliver([]byte("a")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := conn.Deliver([]byte("b")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case got := <-conn.Inbound():
		if string(got) != "a" {
			t.Fatalf("expected a, got %q", got)
		}
	default:
		t.Fatal("expected buffered item")
	}
}

func TestConnectionDeliverReportsSlowConsumerWhenFull(t *testing.T) {
	pub := newTestPublication(t)
	conn := New(7, pub, 2)
	defer conn.Dispose()

	if err := conn.Deliver([]byte("1")); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	if err := conn.Deliver([]byte("2")); err != nil {
		t.Fatalf("deliver 2: %v", err)
	}
	if err := conn.Deliver([]byte("3")); err != driver.ErrSlowConsumer {
		t.Fatalf("expected ErrSlowConsumer once the inbound buffer is full, got %v", err)
	}
}

// TestConnectionDeliverDisposesOnSlowConsumer covers spec §7's SLOW_CONSUMER
// row: the session's own connection must be disposed, unlike TIMEOUT or
// BACKPRESSURED which leave the connection alive.
func TestConnectionDeliverDisposesOnSlowConsumer(t *testing.T) {
	pub := newTestPublication(t)
	conn := New(9, pub, 1)

	if err := conn.Deliver([]byte("1")); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	if err := conn.Deliver([]byte("2")); err != driver.ErrSlowConsumer {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}

	select {
	case <-conn.OnDispose():
	default:
		t.Fatal("expected OnDispose to fire once the connection is marked a slow consumer")
	}
	if !conn.IsDisposed() {
		t.Fatal("expected connection to be disposed after SLOW_CONSUMER")
	}
}

// TestConnectionBackpressureIsolatedPerConnection covers the isolation
// scenario: one connection's consumer never drains, so further deliveries
// to it fail, while an unrelated connection keeps accepting deliveries
// without interference.
func TestConnectionBackpressureIsolatedPerConnection(t *testing.T) {
	pubA := newTestPublication(t)
	pubB := newTestPublication(t)
	connA := New(1, pubA, 4)
	connB := New(2, pubB, 4)
	defer connA.Dispose()
	defer connB.Dispose()

	// Stall connA: never drain its inbound channel.
	for i := 0; i < 4; i++ {
		if err := connA.Deliver([]byte{byte(i)}); err != nil {
			t.Fatalf("deliver %d to connA: %v", i, err)
		}
	}
	if err := connA.Deliver([]byte("overflow")); err != driver.ErrSlowConsumer {
		t.Fatalf("expected connA to be slow-consumer, got %v", err)
	}

	// connB keeps accepting and draining well past connA's capacity.
	delivered := 0
	for i := 0; i < 10000; i++ {
		if err := connB.Deliver([]byte{byte(i)}); err != nil {
			t.Fatalf("deliver %d to connB: %v", i, err)
		}
		<-connB.Inbound()
		delivered++
	}
	if delivered != 10000 {
		t.Fatalf("expected connB unaffected by connA's backpressure, delivered %d", delivered)
	}
}

func TestConnectionSendMessageEncodesEnvelope(t *testing.T) {
	pub := newTestPublication(t)
	conn := New(1, pub, 1)
	defer conn.Dispose()

	for _, format := range []protocol.Format{protocol.FormatJSON, protocol.FormatCBOR} {
		done, err := conn.SendMessage(format, greeting{Name: "aeronet"})
		if err != nil {
			t.Fatalf("send message (format %v): %v", format, err)
		}
		pub.Tick(1)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("send outcome (format %v): %v", format, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out sending (format %v)", format)
		}
	}
}

func TestDecodeMessageRoundtripsEnvelope(t *testing.T) {
	reg := codec.NewRegistry()
	if c, err := codec.CBOR(); err == nil {
		reg.Register(c)
	}
	env, err := protocol.NewEnvelopeWithBody(protocol.Header{Type: protocol.MsgData}, protocol.FormatJSON, greeting{Name: "roundtrip"}, reg)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	frame, err := env.EncodeFrame()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	var got greeting
	format, err := DecodeMessage(frame, &got)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if format != protocol.FormatJSON {
		t.Fatalf("expected JSON format marker, got %v", format)
	}
	if got.Name != "roundtrip" {
		t.Fatalf("expected roundtrip, got %q", got.Name)
	}
}

func TestConnectionDisposeRunsHooksOnce(t *testing.T) {
	pub := newTestPublication(t)
	conn := New(1, pub, 1)

	hookCalls := 0
	conn.AddDisposeHook(func() { hookCalls++ })

	conn.Dispose()
	conn.Dispose()

	if hookCalls != 1 {
		t.Fatalf("expected hook to run exactly once, got %d", hookCalls)
	}
	if !conn.IsDisposed() {
		t.Fatalf("expected disposed")
	}
	select {
	case <-conn.OnDispose():
	default:
		t.Fatal("expected OnDispose to be closed")
	}
	if err := conn.Deliver([]byte("x")); err == nil {
		t.Fatalf("expected delivery after dispose to fail")
	}
}
