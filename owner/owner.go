// Package owner implements the single owner goroutine check for the consumer. It does not make
// anything safe for concurrent use; it only detects misuse. Go has no goroutine identity, so
// the check that needs one (re-entry from the completion goroutine, and the optional debug check
// of the owner identity) parses it out of runtime.Stack.
package owner

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/mkocikowski/kafkaconsumer"
)

// ID returns the id of the calling goroutine. It costs about a microsecond.
func ID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Guard is entered by every synchronous consumer operation. The zero value is ready to use.
type Guard struct {
	// Debug enables checking that all calls come from the same goroutine (the first one to
	// call Acquire). Set before first use.
	Debug bool
	//
	busy       atomic.Bool
	owner      atomic.Uint64
	completing atomic.Int32
	completion atomic.Uint64
}

// Reentrant reports whether the caller is running inside Complete.
func (g *Guard) Reentrant() bool {
	return g.completing.Load() > 0 && g.completion.Load() == ID()
}

// Acquire marks the start of an operation. Every successful Acquire must be followed by Release.
func (g *Guard) Acquire() error {
	if g.Reentrant() {
		return kafkaconsumer.ErrReentrantCall
	}
	if !g.busy.CompareAndSwap(false, true) {
		return kafkaconsumer.ErrConcurrentAccess
	}
	if g.Debug {
		id := ID()
		if !g.owner.CompareAndSwap(0, id) && g.owner.Load() != id {
			g.busy.Store(false)
			return kafkaconsumer.Errorf("%w: caller is not the owner goroutine", kafkaconsumer.ErrConcurrentAccess)
		}
	}
	return nil
}

// Wait acquires the guard from any goroutine, waiting for the operation in progress (if any) to
// finish. It is used by Close, which may be called from a goroutine other than the owner.
func (g *Guard) Wait(ctx context.Context) error {
	if g.Reentrant() {
		return kafkaconsumer.ErrReentrantCall
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !g.busy.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (g *Guard) Release() {
	g.busy.Store(false)
}

// Complete runs fn as a completion callback: calls to Acquire made from within fn (on the same
// goroutine) fail with ErrReentrantCall. Complete must always be called from the same goroutine.
func (g *Guard) Complete(fn func()) {
	g.completion.Store(ID())
	g.completing.Inc()
	defer g.completing.Dec()
	fn()
}
