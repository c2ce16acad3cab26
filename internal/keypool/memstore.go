package keypool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// MemoryStore is the in-process Store implementation. It substitutes a
// mutex for the row-level lock skipping the Postgres store gets from
// SELECT ... FOR UPDATE SKIP LOCKED: every operation is a short critical
// section, so an acquire can never observe a half-applied reservation.
// It backs single-process deployments without Postgres and the pool's
// concurrency tests.
type MemoryStore struct {
	mu      sync.Mutex
	ceiling int
	creds   map[string]*models.Credential
	usage   []models.UsageRecord
}

// NewMemoryStore creates an empty in-memory store with the given daily
// request ceiling.
func NewMemoryStore(ceiling int) *MemoryStore {
	return &MemoryStore{
		ceiling: ceiling,
		creds:   make(map[string]*models.Credential),
	}
}

// Add inserts or replaces a credential.
func (s *MemoryStore) Add(cred models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.creds[c.Name] = &c
}

// ListAllocatable implements Store.
func (s *MemoryStore) ListAllocatable(ctx context.Context, now time.Time, service string) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.candidatesLocked(now, AcquireOptions{Service: service})
	out := make([]models.Credential, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, *c)
	}
	return out, nil
}

// TryAcquire implements Store.
func (s *MemoryStore) TryAcquire(ctx context.Context, now time.Time, opts AcquireOptions) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.candidatesLocked(now, opts)
	if len(candidates) == 0 {
		return nil, nil
	}

	picked := candidates[0]
	selected := *picked // snapshot before the reservation write

	if opts.ReserveFor > 0 {
		until := now.UTC().Add(opts.ReserveFor)
		picked.DisabledUntil = &until
	}
	if opts.MarkUse {
		picked.DailyRequestCount++
		used := now.UTC()
		picked.LastUsed = &used
	}

	return &selected, nil
}

// RecordUsage implements Store.
func (s *MemoryStore) RecordUsage(ctx context.Context, now time.Time, rec models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[rec.KeyName]
	if !ok {
		return ErrUnknownCredential
	}

	used := now.UTC()
	cred.DailyRequestCount++
	cred.DailyTokenTotal += int64(rec.TokenCount)
	cred.LastUsed = &used
	cred.DisabledUntil = nil

	rec.ID = int64(len(s.usage) + 1)
	rec.CreatedAt = used
	s.usage = append(s.usage, rec)
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, name string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[name]
	if !ok {
		return ErrUnknownCredential
	}

	switch outcome {
	case OutcomeRetryable:
		cred.DisabledUntil = nil
	case OutcomeQuotaExhausted:
		cred.QuotaExhausted = true
		cred.DisabledUntil = nil
	}
	return nil
}

// LastUsed implements Store.
func (s *MemoryStore) LastUsed(ctx context.Context, name string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[name]
	if !ok {
		return nil, ErrUnknownCredential
	}
	if cred.LastUsed == nil {
		return nil, nil
	}
	t := cred.LastUsed.UTC()
	return &t, nil
}

// Get returns a copy of the named credential, for inspection.
func (s *MemoryStore) Get(name string) (models.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[name]
	if !ok {
		return models.Credential{}, false
	}
	return *cred, true
}

// Usage returns a copy of the usage log, for inspection.
func (s *MemoryStore) Usage() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// candidatesLocked filters and orders credentials; callers hold s.mu.
func (s *MemoryStore) candidatesLocked(now time.Time, opts AcquireOptions) []*models.Credential {
	var candidates []*models.Credential
	for _, c := range s.creds {
		if opts.Service != "" && c.Service != opts.Service {
			continue
		}
		if opts.AllowExhausted {
			if c.DisabledUntil != nil && now.UTC().Before(c.DisabledUntil.UTC()) {
				continue
			}
		} else if !c.Allocatable(now, s.ceiling) {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return lessLoaded(candidates[i], candidates[j])
	})
	return candidates
}
