package quic

import (
	"context"
	"testing"
	"time"

	"aeronet/pkg/transport"
)

func TestQUICRoundTripAndStats(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		sess, err := l.Accept(ctx)
		if err != nil {
			return
		}
		accepted <- sess
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	clientSess, err := tr.Dial(dialCtx, l.Addr().String(), transport.PeerInfo{Addr: l.Addr().String()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverSess transport.Session
	select {
	case serverSess = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	clientStream, err := clientSess.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	serverStream, err := serverSess.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept stream: %v", err)
	}

	if err := clientStream.SendBytes([]byte("hello quic")); err != nil {
		t.Fatalf("send: %v", err)
	}

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
		if string(res.buf) != "hello quic" {
			t.Fatalf("expected %q, got %q", "hello quic", res.buf)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
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
