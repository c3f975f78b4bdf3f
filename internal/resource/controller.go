package resource

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds ingest resource limits.
type Config struct {
	// MaxInFlightBytes bounds the total size of assets being ingested at once.
	// If 0, only tracking is done.
	MaxInFlightBytes int64

	// IOBytesPerSec throttles asset copies into the content store.
	// If 0, unlimited.
	IOBytesPerSec int64
}

// Controller governs how much asset data ingest moves at once.
type Controller struct {
	cfg Config

	bytesSem  *semaphore.Weighted // nil if unlimited
	bytesUsed atomic.Int64

	ioLimiter *rate.Limiter
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	if cfg.MaxInFlightBytes > 0 {
		c.bytesSem = semaphore.NewWeighted(cfg.MaxInFlightBytes)
	}
	if cfg.IOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}
	return c
}

// clamp lets an asset larger than the whole budget through on its own.
func (c *Controller) clamp(n int64) int64 {
	if c.cfg.MaxInFlightBytes > 0 && n > c.cfg.MaxInFlightBytes {
		return c.cfg.MaxInFlightBytes
	}
	return n
}

// AcquireBytes blocks until n bytes of in-flight budget are available and
// returns the function that gives them back.
func (c *Controller) AcquireBytes(ctx context.Context, n int64) (func(), error) {
	if c == nil || n <= 0 {
		return func() {}, nil
	}
	w := c.clamp(n)
	if c.bytesSem != nil {
		if err := c.bytesSem.Acquire(ctx, w); err != nil {
			return nil, err
		}
	}
	c.bytesUsed.Add(n)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		if c.bytesSem != nil {
			c.bytesSem.Release(w)
		}
		c.bytesUsed.Add(-n)
	}, nil
}

// TryAcquireBytes is AcquireBytes without waiting.
func (c *Controller) TryAcquireBytes(n int64) (func(), bool) {
	if c == nil || n <= 0 {
		return func() {}, true
	}
	w := c.clamp(n)
	if c.bytesSem != nil && !c.bytesSem.TryAcquire(w) {
		return nil, false
	}
	c.bytesUsed.Add(n)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		if c.bytesSem != nil {
			c.bytesSem.Release(w)
		}
		c.bytesUsed.Add(-n)
	}, true
}

// InFlightBytes returns the bytes currently held.
func (c *Controller) InFlightBytes() int64 {
	if c == nil {
		return 0
	}
	return c.bytesUsed.Load()
}

// AcquireIO waits until the IO limit allows n bytes.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader throttles reads from r through c.
func (c *Controller) Reader(ctx context.Context, r io.Reader) io.Reader {
	if c == nil || c.ioLimiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, c: c}
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	c   *Controller
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.c.AcquireIO(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
