package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(store Store, interval time.Duration, now time.Time) (*Gate, *time.Duration) {
	gate := NewGate(store, interval, zerolog.Nop())
	gate.now = func() time.Time { return now }
	var slept time.Duration
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	return gate, &slept
}

func TestGateSleepsRemainingDeficit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", LastUsed: tsPtr(now.Add(-10 * time.Second))})

	gate, slept := newTestGate(store, 30*time.Second, now)
	require.NoError(t, gate.Wait(context.Background(), "k1"))
	assert.Equal(t, 20*time.Second, *slept)
}

func TestGateReturnsImmediatelyWhenIntervalElapsed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", LastUsed: tsPtr(now.Add(-31 * time.Second))})

	gate, slept := newTestGate(store, 30*time.Second, now)
	require.NoError(t, gate.Wait(context.Background(), "k1"))
	assert.Zero(t, *slept)
}

func TestGateNeverUsedCredentialPasses(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "fresh", Secret: "s"})

	gate, slept := newTestGate(store, 30*time.Second, now)
	require.NoError(t, gate.Wait(context.Background(), "fresh"))
	assert.Zero(t, *slept)
}

func TestGateNormalizesZones(t *testing.T) {
	// A last_used stored in a non-UTC zone must produce the same deficit
	// as its UTC equivalent.
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lastUsed := time.Date(2025, 6, 1, 13, 59, 45, 0, loc) // 15s ago in UTC

	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", LastUsed: &lastUsed})

	gate, slept := newTestGate(store, 30*time.Second, now)
	require.NoError(t, gate.Wait(context.Background(), "k1"))
	assert.Equal(t, 15*time.Second, *slept)
}

func TestGateUnknownCredential(t *testing.T) {
	gate := NewGate(NewMemoryStore(60), 30*time.Second, zerolog.Nop())
	err := gate.Wait(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestGateHonorsCancellation(t *testing.T) {
	now := time.Now().UTC()
	store := NewMemoryStore(60)
	store.Add(models.Credential{Name: "k1", Secret: "s", LastUsed: &now})

	gate := NewGate(store, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gate.Wait(ctx, "k1")
	assert.ErrorIs(t, err, context.Canceled)
}
