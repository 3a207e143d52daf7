// Package eventloop implements the single-threaded cooperative scheduler
// that drains publication send-queues and polls subscriptions. Resources
// are pinned to exactly one loop for their entire life; every mutation of
// a publication's or subscription's internal state happens only from
// inside that loop's goroutine. Callers on other goroutines interact
// through a command channel, never by touching the resource directly.
package eventloop

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"aeronet/pkg/driver"
)

// tickItems bounds how many queued sends a single publication drains per
// tick, so one busy publication cannot starve the others pinned to the
// same loop.
const tickItems = 8

type command func()

// EventLoop owns a disjoint set of publications and subscriptions and
// drains them cooperatively on one goroutine. Silence is absorbed by a
// backoff idle strategy. Publication sends are written synchronously from
// Tick, so a transport write that blocks stalls the whole loop until it
// returns.
type EventLoop struct {
	log *zap.Logger
	// fragmentLimit is the fallback budget used only for a subscription
	// whose own FragmentLimit is unset; each subscription's Poll is driven
	// by its own configured limit first.
	fragmentLimit int

	cmds chan command
	done chan struct{}

	mu       sync.Mutex
	running  bool
	pubs     []*driver.Publication
	subs     []*driver.Subscription
	stopping bool
}

// New constructs a loop. Start must be called before it does any work.
func New(log *zap.Logger, fragmentLimit int) *EventLoop {
	return &EventLoop{
		log:           log,
		fragmentLimit: fragmentLimit,
		cmds:          make(chan command, 64),
		done:          make(chan struct{}),
	}
}

// Start launches the loop's goroutine. Safe to call once.
func (l *EventLoop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	go l.run()
}

// AddPublication pins a publication to this loop. The call returns once
// the command has been accepted; the publication starts ticking on the
// loop's next iteration.
func (l *EventLoop) AddPublication(p *driver.Publication) {
	l.submit(func() { l.pubs = append(l.pubs, p) })
}

// AddSubscription pins a subscription to this loop.
func (l *EventLoop) AddSubscription(s *driver.Subscription) {
	l.submit(func() { l.subs = append(l.subs, s) })
}

// RemovePublication unpins and disposes a publication.
func (l *EventLoop) RemovePublication(p *driver.Publication) {
	l.submit(func() {
		for i, x := range l.pubs {
			if x == p {
				l.pubs = append(l.pubs[:i], l.pubs[i+1:]...)
				break
			}
		}
		p.Dispose()
	})
}

// RemoveSubscription unpins and disposes a subscription.
func (l *EventLoop) RemoveSubscription(s *driver.Subscription) {
	l.submit(func() {
		for i, x := range l.subs {
			if x == s {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		_ = s.Dispose()
	})
}

// submit enqueues a command, blocking briefly if the queue is full; used
// from any goroutine, never from inside run().
func (l *EventLoop) submit(c command) {
	select {
	case l.cmds <- c:
	case <-l.done:
	}
}

// Stop requests the loop terminate once its resource set is empty, and
// blocks until it does or ctx is done.
func (l *EventLoop) Stop(ctx context.Context) error {
	l.submit(func() { l.stopping = true })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) run() {
	defer close(l.done)
	idle := newBackoffIdleStrategy()
	for {
		work := l.drainCommands()

		for _, p := range l.pubs {
			work += p.Tick(tickItems)
		}
		for _, s := range l.subs {
			limit := s.FragmentLimit()
			if limit <= 0 {
				limit = l.fragmentLimit
			}
			work += s.Poll(limit)
		}

		if l.stopping && len(l.pubs) == 0 && len(l.subs) == 0 {
			return
		}

		idle.idle(work)
	}
}

// drainCommands processes every command currently queued, without
// blocking, and reports how many were processed (counted as work for the
// idle strategy).
func (l *EventLoop) drainCommands() int {
	work := 0
	for {
		select {
		case c := <-l.cmds:
			c()
			work++
		default:
			return work
		}
	}
}
