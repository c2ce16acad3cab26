package keypool

import (
	"errors"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
)

var (
	// ErrPoolExhausted means no credential passed the allocatable
	// predicate. Callers back off and retry; it is not fatal.
	ErrPoolExhausted = errors.New("keypool: no allocatable credential")

	// ErrSchemaMismatch means the backing store does not match the
	// expected credential schema. Fatal at startup; database.CheckSchema
	// produces it.
	ErrSchemaMismatch = database.ErrSchemaMismatch

	// ErrStoreUnavailable marks connection- or transaction-level failures
	// of the backing store. Callers may retry with backoff.
	ErrStoreUnavailable = errors.New("keypool: backing store unavailable")

	// ErrUnknownCredential is returned for operations naming a credential
	// that does not exist.
	ErrUnknownCredential = errors.New("keypool: unknown credential")
)

// StoreError wraps a backing-store failure so callers can classify it
// with errors.Is(err, ErrStoreUnavailable) while keeping the driver
// error in the chain.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "keypool: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
