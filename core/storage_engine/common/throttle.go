// Package common holds I/O helpers shared by the storage engine.
package common

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// maxBurst bounds a single limiter reservation.
const maxBurst = 1 << 20

// NewLimiter returns a byte-rate limiter, or nil when bytesPerSec is 0.
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), min(bytesPerSec, maxBurst))
}

// Wait blocks until n bytes of budget are available, in bursts the
// limiter accepts.
func Wait(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
		n -= step
	}
	return nil
}

// ThrottledWriter paces writes to an underlying writer.
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func NewThrottledWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, w: w, limiter: limiter}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if err := Wait(t.ctx, t.limiter, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}
