package keypool

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/rs/zerolog"
)

// Recorder commits the outcome of a successful external call: counter
// bumps and the immutable usage log entry land in one transaction, and
// the allocator's soft reservation is cleared because the credential has
// completed a legitimate use cycle.
type Recorder struct {
	store Store
	log   zerolog.Logger

	now func() time.Time
}

// NewRecorder creates a usage recorder.
func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: log, now: time.Now}
}

// RecordUsage increments the credential's daily counters by one request
// and tokenCount tokens, stamps last_used, clears any reservation, and
// appends one usage record.
func (r *Recorder) RecordUsage(ctx context.Context, keyName, taskID string, tokenCount int, requestType string) error {
	rec := models.UsageRecord{
		KeyName:     keyName,
		TaskID:      taskID,
		TokenCount:  tokenCount,
		RequestType: requestType,
	}

	if err := r.store.RecordUsage(ctx, r.now().UTC(), rec); err != nil {
		return err
	}

	tokensRecordedTotal.Add(float64(tokenCount))
	r.log.Info().
		Str("key_name", keyName).
		Str("task_id", taskID).
		Int("token_count", tokenCount).
		Str("request_type", requestType).
		Msg("recorded credential usage")
	return nil
}
