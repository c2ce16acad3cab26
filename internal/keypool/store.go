// Package keypool implements allocation, throttling, usage accounting and
// release of a shared pool of upstream API credentials. Callers are
// independent OS processes; correctness rests entirely on the backing
// store's row-level locking, never on in-process synchronization.
package keypool

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Outcome classifies how a caller finished with an allocated credential.
type Outcome int

const (
	// OutcomeSuccess means the external call completed; usage must be
	// committed through the Recorder.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the call failed in a way another caller may
	// immediately retry with the same credential.
	OutcomeRetryable
	// OutcomeQuotaExhausted means the upstream reported the credential
	// itself is over quota; it is parked until externally reset.
	OutcomeQuotaExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomeQuotaExhausted:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}

// AcquireOptions control a single TryAcquire attempt.
type AcquireOptions struct {
	// Service filters credentials by service_name when the backing schema
	// has that column; ignored otherwise.
	Service string
	// AllowExhausted bypasses the quota_exhausted filter, for diagnostics.
	AllowExhausted bool
	// ReserveFor soft-reserves the selected credential by setting
	// disabled_until = now + ReserveFor inside the selecting transaction.
	ReserveFor time.Duration
	// MarkUse increments daily_request_count and stamps last_used inside
	// the selecting transaction (the CLI's --mark-use path).
	MarkUse bool
}

// Store is the backend-agnostic contract the pool components run on:
// a try-acquire over the allocatable predicate plus the bookkeeping
// writes. The Postgres implementation uses SELECT ... FOR UPDATE SKIP
// LOCKED; the in-memory one substitutes a mutex and is documented as the
// stand-in for backends without row-level lock skipping.
type Store interface {
	// ListAllocatable returns credentials passing the allocatable
	// predicate at now, ordered by ascending daily_request_count, then
	// daily_token_total, then last_used (nulls first).
	ListAllocatable(ctx context.Context, now time.Time, service string) ([]models.Credential, error)

	// TryAcquire selects the first allocatable credential per the
	// ListAllocatable ordering, skipping rows locked by concurrent
	// acquirers, and applies the requested reservation/usage marks in the
	// same transaction. Returns (nil, nil) when no row qualifies.
	// The returned credential reflects the row as selected, before the
	// reservation write.
	TryAcquire(ctx context.Context, now time.Time, opts AcquireOptions) (*models.Credential, error)

	// RecordUsage commits one use: bumps the named credential's counters,
	// stamps last_used, clears any soft reservation, and appends one
	// immutable usage record, all in a single transaction.
	RecordUsage(ctx context.Context, now time.Time, rec models.UsageRecord) error

	// Release handles the failure paths: OutcomeRetryable clears the soft
	// reservation, OutcomeQuotaExhausted parks the credential.
	Release(ctx context.Context, name string, outcome Outcome) error

	// LastUsed reads the named credential's last_used timestamp,
	// normalized to UTC. Nil when never used.
	LastUsed(ctx context.Context, name string) (*time.Time, error)
}

// lessLoaded is the fairness ordering: fewest requests first, then
// fewest tokens, then stalest last_used with never-used credentials
// ahead of everything.
func lessLoaded(a, b *models.Credential) bool {
	if a.DailyRequestCount != b.DailyRequestCount {
		return a.DailyRequestCount < b.DailyRequestCount
	}
	if a.DailyTokenTotal != b.DailyTokenTotal {
		return a.DailyTokenTotal < b.DailyTokenTotal
	}
	switch {
	case a.LastUsed == nil && b.LastUsed == nil:
		return a.Name < b.Name
	case a.LastUsed == nil:
		return true
	case b.LastUsed == nil:
		return false
	default:
		return a.LastUsed.Before(*b.LastUsed)
	}
}
