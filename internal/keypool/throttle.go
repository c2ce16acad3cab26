package keypool

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Gate enforces a minimum spacing between uses of one credential. It is
// a courtesy delay to keep the upstream rate limiter happy; it provides
// no mutual exclusion (two processes can pass it back to back) and the
// allocator's locking never depends on it.
type Gate struct {
	store       Store
	minInterval time.Duration
	log         zerolog.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate creates a gate with the given minimum interval between uses.
func NewGate(store Store, minInterval time.Duration, log zerolog.Logger) *Gate {
	return &Gate{
		store:       store,
		minInterval: minInterval,
		log:         log,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Wait blocks until at least the gate's interval has passed since the
// named credential's last use. Timestamps are compared in UTC; mixing
// zones here silently produces wrong deltas, which is exactly the bug
// this normalization exists to prevent.
func (g *Gate) Wait(ctx context.Context, name string) error {
	lastUsed, err := g.store.LastUsed(ctx, name)
	if err != nil {
		return err
	}
	if lastUsed == nil {
		return nil
	}

	elapsed := g.now().UTC().Sub(lastUsed.UTC())
	if elapsed >= g.minInterval {
		return nil
	}

	deficit := g.minInterval - elapsed
	throttleWaitSeconds.Observe(deficit.Seconds())
	g.log.Info().
		Str("key_name", name).
		Dur("elapsed", elapsed).
		Dur("sleeping", deficit).
		Msg("throttling credential")
	return g.sleep(ctx, deficit)
}

// sleepContext sleeps only the calling goroutine and honors cancellation,
// so a shutdown never waits on a throttle deficit.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
