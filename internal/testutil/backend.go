package testutil

import (
	"errors"
	"strings"
	"sync"

	"bv-go/internal/backend"
	"bv-go/internal/bv"
)

// ErrInjected is returned by Faults for matching calls.
var ErrInjected = errors.New("injected fault")

// NewTestBackend creates a new in-memory backend for testing. Object locks
// are evaluated against clock.
func NewTestBackend(clock bv.Clock) *backend.MemoryBackend {
	return backend.NewMemoryBackendWithClock(clock.Now)
}

type faultRule struct {
	op        bv.Op
	substr    string
	remaining int // negative fails forever
	permanent bool
}

// Faults is a bv.FaultInjector driven by rules added during a test.
// Safe for concurrent use.
type Faults struct {
	mu    sync.Mutex
	rules []*faultRule
	calls map[bv.Op]int
}

// NewFaults creates a Faults with no rules.
func NewFaults() *Faults {
	return &Faults{calls: make(map[bv.Op]int)}
}

// FailTimes fails the next n calls of op whose name contains substr.
func (f *Faults) FailTimes(op bv.Op, substr string, n int) {
	f.add(&faultRule{op: op, substr: substr, remaining: n})
}

// FailAlways fails every call of op whose name contains substr.
func (f *Faults) FailAlways(op bv.Op, substr string) {
	f.add(&faultRule{op: op, substr: substr, remaining: -1})
}

// FailPermanently fails every matching call with an error retries cannot fix.
func (f *Faults) FailPermanently(op bv.Op, substr string) {
	f.add(&faultRule{op: op, substr: substr, remaining: -1, permanent: true})
}

// Clear removes every rule.
func (f *Faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Calls returns how often op was attempted.
func (f *Faults) Calls(op bv.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faults) add(r *faultRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, r)
}

func (f *Faults) Inject(op bv.Op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, r := range f.rules {
		if r.op != op || !strings.Contains(name, r.substr) || r.remaining == 0 {
			continue
		}
		if r.remaining > 0 {
			r.remaining--
		}
		if r.permanent {
			return &bv.PermanentError{Err: ErrInjected}
		}
		return ErrInjected
	}
	return nil
}

var _ bv.FaultInjector = (*Faults)(nil)
