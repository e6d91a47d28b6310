package sandboxfs

import (
	"context"

	"golang.org/x/time/rate"
)

// ioLimiter throttles the bytes moved through one mount.
type ioLimiter struct {
	read  *rate.Limiter
	write *rate.Limiter
}

func newIOLimiter(opts MountOptions) *ioLimiter {
	if opts.ReadBytesPerSec <= 0 && opts.WriteBytesPerSec <= 0 {
		return nil
	}
	l := &ioLimiter{}
	if opts.ReadBytesPerSec > 0 {
		l.read = rate.NewLimiter(rate.Limit(opts.ReadBytesPerSec), opts.ReadBytesPerSec)
	}
	if opts.WriteBytesPerSec > 0 {
		l.write = rate.NewLimiter(rate.Limit(opts.WriteBytesPerSec), opts.WriteBytesPerSec)
	}
	return l
}

func (l *ioLimiter) waitRead(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	return waitBytes(ctx, l.read, n)
}

func (l *ioLimiter) waitWrite(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	return waitBytes(ctx, l.write, n)
}

// waitBytes reserves n tokens in burst-sized steps. A wait that cannot
// finish before the context deadline fails with ErrTimedOut right away.
func waitBytes(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil || n <= 0 {
		return nil
	}
	burst := lim.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := lim.WaitN(ctx, step); err != nil {
			if ctx.Err() == context.Canceled {
				return ErrCanceled
			}
			return ErrTimedOut
		}
		n -= step
	}
	return nil
}
