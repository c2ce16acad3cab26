package models

import "time"

// Credential is an upstream API key plus its scheduling metadata.
// It is never deleted by this subsystem; exhaustion and cooldown are
// flags so the audit history stays intact.
type Credential struct {
	Name              string
	Secret            string
	Service           string
	DailyRequestCount int
	DailyTokenTotal   int64
	LastUsed          *time.Time
	QuotaExhausted    bool
	DisabledUntil     *time.Time
	CreatedAt         time.Time
}

// Allocatable reports whether the credential may be handed out at the
// given instant under the configured daily request ceiling.
func (c *Credential) Allocatable(now time.Time, ceiling int) bool {
	if c.QuotaExhausted {
		return false
	}
	if c.DisabledUntil != nil && now.UTC().Before(c.DisabledUntil.UTC()) {
		return false
	}
	return c.DailyRequestCount < ceiling
}

// UsageRecord is one immutable usage_log entry. Append-only; used for
// accounting and audit, never mutated.
type UsageRecord struct {
	ID          int64
	KeyName     string
	TaskID      string
	TokenCount  int
	RequestType string
	CreatedAt   time.Time
}

// Exchange is one prompt/response pair appended to a task's history.
type Exchange struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// TaskContext is the JSON document stored in tasks.context.
// History is append-only.
type TaskContext struct {
	History []Exchange `json:"history"`
}

// Task is one unit of agent work, keyed by host identity plus calendar day.
type Task struct {
	ID          string
	Context     TaskContext
	Status      string
	CreatedAt   time.Time
	LastUpdated time.Time
}
