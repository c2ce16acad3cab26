package keypool

import (
	"time"

	"github.com/rs/zerolog"
)

// Pool bundles the four components every entrypoint needs.
type Pool struct {
	Allocator *Allocator
	Gate      *Gate
	Recorder  *Recorder
	Releaser  *Releaser
}

// Options configure a pool's scheduling behavior.
type Options struct {
	ReserveWindow    time.Duration
	ThrottleInterval time.Duration
}

// New wires the allocator, throttle gate, recorder and releaser over one
// store.
func New(store Store, opts Options, log zerolog.Logger) *Pool {
	recorder := NewRecorder(store, log)
	return &Pool{
		Allocator: NewAllocator(store, opts.ReserveWindow, log),
		Gate:      NewGate(store, opts.ThrottleInterval, log),
		Recorder:  recorder,
		Releaser:  NewReleaser(store, recorder, log),
	}
}
