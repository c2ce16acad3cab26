package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseRetryableClearsReservation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", DisabledUntil: tsPtr(now.Add(time.Minute))})
	pool := newTestPool(store)

	require.NoError(t, pool.Releaser.Release(context.Background(), "k1", OutcomeRetryable))

	stored, _ := store.Get("k1")
	assert.Nil(t, stored.DisabledUntil)
	assert.False(t, stored.QuotaExhausted)
}

func TestReleaseQuotaExhaustedParksCredential(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", DisabledUntil: tsPtr(now.Add(time.Minute))})
	pool := newTestPool(store)

	require.NoError(t, pool.Releaser.Release(context.Background(), "k1", OutcomeQuotaExhausted))

	stored, _ := store.Get("k1")
	assert.True(t, stored.QuotaExhausted)
	assert.Nil(t, stored.DisabledUntil)

	// Parked credentials are never offered again.
	_, err := pool.Allocator.Allocate(context.Background(), now.Add(time.Hour), AllocateOptions{})
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestReleaseSuccessDelegatesToRecorder(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", DisabledUntil: tsPtr(now.Add(time.Minute))})
	pool := newTestPool(store)

	require.NoError(t, pool.Releaser.Release(context.Background(), "k1", OutcomeSuccess))

	stored, _ := store.Get("k1")
	assert.Nil(t, stored.DisabledUntil)
	assert.Equal(t, 1, stored.DailyRequestCount)

	usage := store.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, "unmetered", usage[0].RequestType)
	assert.Zero(t, usage[0].TokenCount)
}

func TestReleaseUnknownCredential(t *testing.T) {
	pool := newTestPool(NewMemoryStore(60))
	err := pool.Releaser.Release(context.Background(), "ghost", OutcomeRetryable)
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "retryable_failure", OutcomeRetryable.String())
	assert.Equal(t, "quota_exhausted", OutcomeQuotaExhausted.String())
}
