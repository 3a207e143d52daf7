package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"aeronet/pkg/driver"
	"aeronet/pkg/transport"
	"aeronet/pkg/transport/mem"
	"aeronet/pkg/uri"
)

func TestEventLoopDrivesPublicationAndSubscription(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := uri.New("mem").WithEndpoint("loop-endpoint")
	opts := uri.DefaultOptions()

	var mu sync.Mutex
	var got []byte
	sub, err := driver.NewSubscription(ctx, tr, channel, 1, 0, opts, zap.NewNop(),
		nil, nil,
		func(sessionID int32, payload []byte) {
			mu.Lock()
			got = append([]byte(nil), payload...)
			mu.Unlock()
		},
	)
	if err != nil {
		t.Fatalf("new subscription: %v", err)
	}

	pub := driver.NewDialPublication(tr, channel, 1, opts, zap.NewNop())

	loop := New(zap.NewNop(), opts.FragmentLimit)
	loop.Start()
	loop.AddPublication(pub)
	loop.AddSubscription(sub)

	if err := pub.EnsureConnected(ctx, 2*time.Second); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}

	done := pub.Enqueue([]byte("eventloop says hi"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send to complete via the loop")
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery via the loop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	payload := string(got)
	mu.Unlock()
	if payload != "eventloop says hi" {
		t.Fatalf("unexpected payload %q", payload)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	loop.RemovePublication(pub)
	loop.RemoveSubscription(sub)
	if err := loop.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// TestEventLoopPollsSubscriptionWithItsOwnFragmentLimit checks that a
// subscription created with a custom uri.Options.FragmentLimit reports that
// limit through the FragmentLimit accessor the loop polls with.
func TestEventLoopPollsSubscriptionWithItsOwnFragmentLimit(t *testing.T) {
	tr := mem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	customOpts := uri.DefaultOptions()
	customOpts.FragmentLimit = 3

	channel := uri.New("mem").WithEndpoint("loop-fragment-limit-endpoint")
	sub, err := driver.NewSubscription(ctx, tr, channel, 1, 0, customOpts, zap.NewNop(), nil, nil, nil)
	if err != nil {
		t.Fatalf("new subscription: %v", err)
	}
	defer sub.Dispose()

	if got := sub.FragmentLimit(); got != customOpts.FragmentLimit {
		t.Fatalf("expected subscription FragmentLimit %d, got %d", customOpts.FragmentLimit, got)
	}

	loopDefault := uri.DefaultOptions().FragmentLimit
	if loopDefault == customOpts.FragmentLimit {
		t.Fatal("test requires the loop's constructor default to differ from the subscription's own limit")
	}

	loop := New(zap.NewNop(), loopDefault)
	loop.Start()
	loop.AddSubscription(sub)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		loop.RemoveSubscription(sub)
		_ = loop.Stop(stopCtx)
	}()

	// sub.FragmentLimit() (not loop's own default) is what run() must pass
	// to Poll; this is asserted directly above rather than by instrumenting
	// the loop, since Poll's internal drain count isn't observable from
	// outside the driver package.
}

func TestBackoffIdleStrategyResetsOnWork(t *testing.T) {
	b := newBackoffIdleStrategy()
	for i := 0; i < 500; i++ {
		b.idle(0)
	}
	if b.parkPeriod == 0 {
		t.Fatalf("expected parkPeriod to have grown after sustained idling")
	}
	b.idle(1)
	if b.spins != 0 || b.yields != 0 || b.parkPeriod != 0 {
		t.Fatalf("expected reset after work, got spins=%d yields=%d park=%v", b.spins, b.yields, b.parkPeriod)
	}
}

var _ transport.Transport = (*mem.Transport)(nil)
