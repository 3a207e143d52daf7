package eventloop

import (
	"runtime"
	"time"
)

// backoffIdleStrategy mirrors Agrona's BackoffIdleStrategy: spin, then
// yield, then park with exponentially growing sleeps capped at a ceiling.
// idle(0) advances the strategy; any positive count resets it to spinning.
type backoffIdleStrategy struct {
	spins      int
	yields     int
	parkPeriod time.Duration

	maxSpins      int
	maxYields     int
	minParkPeriod time.Duration
	maxParkPeriod time.Duration
}

func newBackoffIdleStrategy() *backoffIdleStrategy {
	return &backoffIdleStrategy{
		maxSpins:      100,
		maxYields:     100,
		minParkPeriod: time.Microsecond,
		maxParkPeriod: time.Millisecond,
	}
}

func (b *backoffIdleStrategy) idle(workCount int) {
	if workCount > 0 {
		b.reset()
		return
	}
	switch {
	case b.spins < b.maxSpins:
		b.spins++
	case b.yields < b.maxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.parkPeriod == 0 {
			b.parkPeriod = b.minParkPeriod
		}
		time.Sleep(b.parkPeriod)
		if b.parkPeriod < b.maxParkPeriod {
			b.parkPeriod *= 2
			if b.parkPeriod > b.maxParkPeriod {
				b.parkPeriod = b.maxParkPeriod
			}
		}
	}
}

func (b *backoffIdleStrategy) reset() {
	b.spins = 0
	b.yields = 0
	b.parkPeriod = 0
}
