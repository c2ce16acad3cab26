package keypool

import (
	"context"

	"github.com/rs/zerolog"
)

// Releaser returns a soft-reserved credential to the pool after a failed
// call, or parks it when the upstream reported quota exhaustion. If a
// caller crashes without releasing, the reservation simply expires after
// its window; that self-healing is why reservations carry a timeout
// instead of an indefinite lock.
type Releaser struct {
	store    Store
	recorder *Recorder
	log      zerolog.Logger
}

// NewReleaser creates a releaser. The recorder handles the success path.
func NewReleaser(store Store, recorder *Recorder, log zerolog.Logger) *Releaser {
	return &Releaser{store: store, recorder: recorder, log: log}
}

// Release finishes a use cycle for the named credential.
//
// OutcomeRetryable clears the reservation so another caller can retry
// immediately. OutcomeQuotaExhausted parks the credential until an
// external reset. OutcomeSuccess delegates to the recorder with a zero
// token count; callers that know their usage should call
// Recorder.RecordUsage directly instead.
func (r *Releaser) Release(ctx context.Context, name string, outcome Outcome) error {
	releasesTotal.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case OutcomeSuccess:
		return r.recorder.RecordUsage(ctx, name, "", 0, "unmetered")
	case OutcomeQuotaExhausted:
		r.log.Warn().Str("key_name", name).Msg("credential reported quota exhausted; parking it")
	default:
		r.log.Info().Str("key_name", name).Msg("releasing credential after retryable failure")
	}

	return r.store.Release(ctx, name, outcome)
}
