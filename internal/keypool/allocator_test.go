package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(store Store) *Pool {
	return New(store, Options{
		ReserveWindow:    2 * time.Minute,
		ThrottleInterval: 30 * time.Second,
	}, zerolog.Nop())
}

func TestAllocateReturnsPoolExhausted(t *testing.T) {
	store := NewMemoryStore(60)
	pool := newTestPool(store)

	_, err := pool.Allocator.Allocate(context.Background(), time.Now(), AllocateOptions{})
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocateNeverReturnsUnallocatable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "exhausted", Secret: "s", QuotaExhausted: true})
	store.Add(models.Credential{Name: "cooling", Secret: "s", DisabledUntil: tsPtr(now.Add(time.Hour))})
	store.Add(models.Credential{Name: "capped", Secret: "s", DailyRequestCount: 60})
	pool := newTestPool(store)

	_, err := pool.Allocator.Allocate(context.Background(), now, AllocateOptions{})
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocateMutualExclusion(t *testing.T) {
	// Five concurrent callers, one allocatable credential: exactly one
	// caller gets it inside the reservation window.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "only", Secret: "s-only"})
	pool := newTestPool(store)

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan *models.Credential, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := pool.Allocator.Allocate(context.Background(), now, AllocateOptions{})
			if err != nil {
				require.ErrorIs(t, err, ErrPoolExhausted)
				results <- nil
				return
			}
			results <- cred
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for cred := range results {
		if cred != nil {
			winners++
			assert.Equal(t, "only", cred.Name)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestAllocateSerializedTurns(t *testing.T) {
	// Pool of 3 credentials, two parked as quota-exhausted. Five callers
	// take turns: each allocates the single live credential, uses it,
	// releases it. Every turn succeeds exactly once, and a sixth attempt
	// made while the credential is reserved comes back empty.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(1000)
	store.Add(models.Credential{Name: "live", Secret: "s-live"})
	store.Add(models.Credential{Name: "dead-1", Secret: "s1", QuotaExhausted: true})
	store.Add(models.Credential{Name: "dead-2", Secret: "s2", QuotaExhausted: true})
	pool := newTestPool(store)
	ctx := context.Background()

	for turn := 0; turn < 5; turn++ {
		cred, err := pool.Allocator.Allocate(ctx, now, AllocateOptions{})
		require.NoError(t, err)
		require.Equal(t, "live", cred.Name)

		// While reserved, another caller gets nothing.
		_, err = pool.Allocator.Allocate(ctx, now, AllocateOptions{})
		require.ErrorIs(t, err, ErrPoolExhausted)

		require.NoError(t, pool.Releaser.Release(ctx, "live", OutcomeRetryable))
	}

	stored, _ := store.Get("live")
	assert.Nil(t, stored.DisabledUntil)
}

func TestAllocateReservationExpiryHealsPool(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s"})
	pool := newTestPool(store)
	ctx := context.Background()

	_, err := pool.Allocator.Allocate(ctx, now, AllocateOptions{})
	require.NoError(t, err)

	// Caller crashed; no release. Before the window ends the pool is empty...
	_, err = pool.Allocator.Allocate(ctx, now.Add(time.Minute), AllocateOptions{})
	require.ErrorIs(t, err, ErrPoolExhausted)

	// ...and at the window boundary the credential is allocatable again.
	cred, err := pool.Allocator.Allocate(ctx, now.Add(2*time.Minute), AllocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "k1", cred.Name)
}

func TestAllocateStoreErrorClassification(t *testing.T) {
	pool := New(&failingStore{}, Options{ReserveWindow: time.Minute}, zerolog.Nop())

	_, err := pool.Allocator.Allocate(context.Background(), time.Now(), AllocateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

// failingStore simulates connection-level trouble on every call.
type failingStore struct{}

func (f *failingStore) ListAllocatable(context.Context, time.Time, string) ([]models.Credential, error) {
	return nil, &StoreError{Op: "list", Err: errors.New("connection refused")}
}

func (f *failingStore) TryAcquire(context.Context, time.Time, AcquireOptions) (*models.Credential, error) {
	return nil, &StoreError{Op: "acquire", Err: errors.New("connection refused")}
}

func (f *failingStore) RecordUsage(context.Context, time.Time, models.UsageRecord) error {
	return &StoreError{Op: "record", Err: errors.New("connection refused")}
}

func (f *failingStore) Release(context.Context, string, Outcome) error {
	return &StoreError{Op: "release", Err: errors.New("connection refused")}
}

func (f *failingStore) LastUsed(context.Context, string) (*time.Time, error) {
	return nil, &StoreError{Op: "last used", Err: errors.New("connection refused")}
}
