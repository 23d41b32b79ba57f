package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxMergeWorkers is the maximum number of concurrent background merges.
	// If 0, defaults to 1.
	MaxMergeWorkers int64

	// VacuumIOBytesPerSec throttles garbage collection and vacuum scans.
	// If 0, unlimited.
	VacuumIOBytesPerSec int64
}

// Stats is a point-in-time view of a Controller.
type Stats struct {
	MemoryUsed    int64
	MemoryLimit   int64
	MergesRunning int64
	MergeSlots    int64
}

// Controller manages shared resources (memory, merge concurrency, vacuum I/O).
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	bgSem     *semaphore.Weighted
	bgRunning atomic.Int64

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxMergeWorkers <= 0 {
		cfg.MaxMergeWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxMergeWorkers),
	}
	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.VacuumIOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.VacuumIOBytesPerSec), int(cfg.VacuumIOBytesPerSec))
	}
	return c
}

// AcquireMemory attempts to reserve memory.
// Returns ErrMemoryLimitExceeded if limit would be exceeded.
// Non-blocking - callers control retry/backoff policy.
func (c *Controller) AcquireMemory(bytes int64) error {
	if !c.TryAcquireMemory(bytes) {
		return ErrMemoryLimitExceeded
	}
	return nil
}

// TryAcquireMemory is AcquireMemory reporting success as a bool.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireBackground reserves a merge slot, blocking while all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.bgSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.bgRunning.Add(1)
	return nil
}

// TryAcquireBackground attempts to reserve a merge slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	if !c.bgSem.TryAcquire(1) {
		return false
	}
	c.bgRunning.Add(1)
	return true
}

// ReleaseBackground releases a merge slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgRunning.Add(-1)
	c.bgSem.Release(1)
}

// AcquireIO waits until the vacuum I/O limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	// WaitN rejects requests above the burst size.
	for bytes > c.ioLimiter.Burst() {
		if err := c.ioLimiter.WaitN(ctx, c.ioLimiter.Burst()); err != nil {
			return err
		}
		bytes -= c.ioLimiter.Burst()
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}

// Stats returns the current resource usage.
func (c *Controller) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		MemoryUsed:    c.memUsed.Load(),
		MemoryLimit:   c.cfg.MemoryLimitBytes,
		MergesRunning: c.bgRunning.Load(),
		MergeSlots:    c.cfg.MaxMergeWorkers,
	}
}
