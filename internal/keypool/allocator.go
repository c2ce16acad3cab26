package keypool

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/rs/zerolog"
)

// Allocator hands out exactly one credential per request. Exclusion
// across processes comes from the store's skip-locked selection plus the
// soft reservation written in the same transaction.
type Allocator struct {
	store         Store
	reserveWindow time.Duration
	log           zerolog.Logger
}

// AllocateOptions tune a single allocation.
type AllocateOptions struct {
	Service        string
	AllowExhausted bool
	// NoReserve skips the soft reservation; the CLI uses it when the
	// caller only wants to read a key without holding it.
	NoReserve bool
	// MarkUse commits a usage mark inside the allocation transaction.
	MarkUse bool
}

// NewAllocator creates an allocator whose reservations last reserveWindow.
func NewAllocator(store Store, reserveWindow time.Duration, log zerolog.Logger) *Allocator {
	return &Allocator{store: store, reserveWindow: reserveWindow, log: log}
}

// Allocate returns one allocatable credential, soft-reserved for the
// allocator's window, or ErrPoolExhausted when the pool has nothing to
// give. Pool exhaustion is a back-off signal, not a failure.
func (a *Allocator) Allocate(ctx context.Context, now time.Time, opts AllocateOptions) (*models.Credential, error) {
	acquire := AcquireOptions{
		Service:        opts.Service,
		AllowExhausted: opts.AllowExhausted,
		MarkUse:        opts.MarkUse,
	}
	if !opts.NoReserve {
		acquire.ReserveFor = a.reserveWindow
	}

	cred, err := a.store.TryAcquire(ctx, now, acquire)
	if err != nil {
		allocationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if cred == nil {
		allocationsTotal.WithLabelValues("exhausted").Inc()
		a.log.Warn().Str("service", opts.Service).Msg("credential pool exhausted")
		return nil, ErrPoolExhausted
	}

	// A non-null cooldown in the past means a reservation expired without
	// an explicit release: its caller likely crashed, and the pool
	// self-healed. Worth counting, not worth an error.
	if cred.DisabledUntil != nil && !now.UTC().Before(cred.DisabledUntil.UTC()) {
		expiredReservationsTotal.Inc()
		a.log.Info().
			Str("key_name", cred.Name).
			Time("expired_at", *cred.DisabledUntil).
			Msg("reclaimed credential from expired reservation")
	}

	allocationsTotal.WithLabelValues("allocated").Inc()
	a.log.Debug().
		Str("key_name", cred.Name).
		Str("secret", logging.RedactSecret(cred.Secret)).
		Int("daily_request_count", cred.DailyRequestCount).
		Msg("allocated credential")
	return cred, nil
}
