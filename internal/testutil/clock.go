package testutil

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Epoch is the instant a ManualClock starts at.
var Epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// ManualClock only moves when told to. Safe for concurrent use.
type ManualClock struct {
	nanos atomic.Int64
}

// NewManualClock returns a clock stopped at Epoch.
func NewManualClock() *ManualClock {
	c := &ManualClock{}
	c.Set(Epoch)
	return c
}

func (c *ManualClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

// Set jumps to t.
func (c *ManualClock) Set(t time.Time) { c.nanos.Store(t.UnixNano()) }

// Advance moves forward by d.
func (c *ManualClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// SequentialIDs numbers volumes 1, 2, 3 in 32 digit hex, so generated
// names sort in creation order.
type SequentialIDs struct {
	last atomic.Uint64
}

func (g *SequentialIDs) NewVolumeID() string {
	return fmt.Sprintf("%032x", g.last.Add(1))
}
