package util

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

// ErrMemoryPressure is returned when the heap stays above the threshold for
// too many consecutive checks.
var ErrMemoryPressure = errors.New("util: memory pressure")

// MemoryGuard pauses work while the heap is above a threshold.
//
// Each Check that finds the heap above ThresholdBytes forces a collection and
// sleeps for Pause. After MaxConsecutive such checks in a row, Check returns
// ErrMemoryPressure. A zero threshold disables the guard.
type MemoryGuard struct {
	ThresholdBytes uint64
	Pause          time.Duration
	MaxConsecutive int
	Logger         *logger.Logger

	// ReadHeap and Collect default to runtime.ReadMemStats and a forced
	// collection.
	ReadHeap func() uint64
	Collect  func()

	mu          sync.Mutex
	consecutive int
}

// NewMemoryGuard returns a guard with the given threshold in megabytes.
func NewMemoryGuard(limitMB int, pause time.Duration, maxConsecutive int, log *logger.Logger) *MemoryGuard {
	if limitMB < 0 {
		limitMB = 0
	}
	if maxConsecutive <= 0 {
		maxConsecutive = 5
	}
	return &MemoryGuard{
		ThresholdBytes: uint64(limitMB) * 1024 * 1024,
		Pause:          pause,
		MaxConsecutive: maxConsecutive,
		Logger:         log,
	}
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

func forceCollect() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Check returns nil when the heap is below the threshold, or after a pause
// when it is not. A nil guard always passes.
func (g *MemoryGuard) Check(ctx context.Context) error {
	if g == nil || g.ThresholdBytes == 0 {
		return ctx.Err()
	}
	read := g.ReadHeap
	if read == nil {
		read = heapAlloc
	}
	collect := g.Collect
	if collect == nil {
		collect = forceCollect
	}

	used := read()
	g.mu.Lock()
	if used <= g.ThresholdBytes {
		g.consecutive = 0
		g.mu.Unlock()
		return ctx.Err()
	}
	g.consecutive++
	n := g.consecutive
	g.mu.Unlock()

	g.Logger.Warn("[Memory] Heap above threshold, pausing",
		"heap_mb", used/1024/1024,
		"limit_mb", g.ThresholdBytes/1024/1024,
		"consecutive", n,
	)
	if n >= g.MaxConsecutive {
		return ErrMemoryPressure
	}

	collect()
	return Sleep(ctx, g.Pause)
}

// Reset clears the consecutive counter.
func (g *MemoryGuard) Reset() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.consecutive = 0
	g.mu.Unlock()
}
