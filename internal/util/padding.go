package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
const CacheLineSize = 64

// Pad separates a struct's lock-protected fields from its counters.
type Pad struct{ _ [CacheLineSize]byte }

// Counter is a monotonic event counter that owns a whole cache line.
// Segment readers bump these concurrently under a shared lock.
type Counter struct {
	n atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// Inc adds one event.
func (c *Counter) Inc() { c.n.Add(1) }

// Load returns the number of events so far.
func (c *Counter) Load() uint64 { return c.n.Load() }

var _ [CacheLineSize - int(unsafe.Sizeof(Counter{}))]byte
