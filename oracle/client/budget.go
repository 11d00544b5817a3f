package client

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/feedpushd/oracle/types"
)

// RateBudget admits RPC calls against a fixed permit capacity. Permits are
// replenished back to capacity in one step at every interval tick, so a burst
// of up to capacity calls is possible right after a tick. The refill is
// discrete, not a dripping token bucket; it mirrors requests-per-window
// provider throttling.
type RateBudget struct {
	capacity int
	permits  chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateBudget creates a budget with all permits available and starts the
// refill task. The task runs until Stop is called.
func NewRateBudget(capacity int, interval time.Duration) *RateBudget {
	b := &RateBudget{
		capacity: capacity,
		permits:  make(chan struct{}, capacity),
		quit:     make(chan struct{}),
	}

	for i := 0; i < capacity; i++ {
		b.permits <- struct{}{}
	}

	b.wg.Add(1)
	go b.refill(interval)

	return b
}

// Acquire takes one permit, blocking until one is available. It fails only
// when the budget has been stopped or the context is cancelled.
func (b *RateBudget) Acquire(ctx context.Context) error {
	select {
	case <-b.quit:
		return types.NewError(types.KindBudget, "rate budget stopped")
	default:
	}

	select {
	case <-b.permits:
		return nil
	case <-b.quit:
		return types.NewError(types.KindBudget, "rate budget stopped")
	case <-ctx.Done():
		return types.WrapError(types.KindBudget, ctx.Err(), "rate budget acquire cancelled")
	}
}

// Stop shuts down the refill task. Pending and future Acquire calls fail.
func (b *RateBudget) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
	})
	b.wg.Wait()
}

func (b *RateBudget) Capacity() int {
	return b.capacity
}

func (b *RateBudget) Available() int {
	return len(b.permits)
}

func (b *RateBudget) refill(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.topUp()
		case <-b.quit:
			return
		}
	}
}

// topUp restores available permits to capacity in one step. The channel cap
// keeps available permits from ever exceeding capacity.
func (b *RateBudget) topUp() {
	for {
		select {
		case b.permits <- struct{}{}:
		default:
			return
		}
	}
}
