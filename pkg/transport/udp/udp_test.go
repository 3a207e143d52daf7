package udp

import (
	"context"
	"testing"
	"time"

	"aeronet/pkg/transport"
)

func TestUDPRoundTripAndStats(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	clientSess, err := tr.Dial(ctx, l.Addr().String(), transport.PeerInfo{Addr: l.Addr().String()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientStream, err := clientSess.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if err := clientStream.SendBytes([]byte("hello udp")); err != nil {
		t.Fatalf("send: %v", err)
	}

	serverSess, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	serverStream, err := serverSess.OpenStream(ctx)
	if err != nil {
		t.Fatalf("accept stream: %v", err)
	}

	rcvCtx, rcvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcvCancel()
	type recvResult struct {
		buf []byte
		err error
	}
	resCh := make(chan recvResult, 1)
	go func() {
		buf, err := serverStream.RecvBytes()
		resCh <- recvResult{buf, err}
	}()
	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("recv: %v", res.err)
		}
		if string(res.buf) != "hello udp" {
			t.Fatalf("expected %q, got %q", "hello udp", res.buf)
		}
	case <-rcvCtx.Done():
		t.Fatal("timed out waiting for datagram")
	}

	clientSess.Close()
	serverSess.Close()

	stats := tr.Stats()
	if stats.Dialed != 1 {
		t.Fatalf("expected 1 dial, got %d", stats.Dialed)
	}
	if stats.Accepted != 1 {
		t.Fatalf("expected 1 accept, got %d", stats.Accepted)
	}
	if stats.Closed != 2 {
		t.Fatalf("expected 2 closed sessions, got %d", stats.Closed)
	}
}
