package store

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/endetect/ennotif/internal/errs"
)

// backoff paces retries against a StoreBusy condition with a
// token-bucket limiter rather than a bare sleep loop, so a burst of
// contention doesn't turn into a busy-spin.
type backoff struct {
	limiter *rate.Limiter
}

// newBackoff builds a backoff that permits at most r retries per
// second, with a small burst allowance for the first few attempts.
func newBackoff(r rate.Limit, burst int) *backoff {
	return &backoff{limiter: rate.NewLimiter(r, burst)}
}

// onBusy calls fn until it succeeds, ctx is done, or fn returns an
// error that is not StoreBusy. Between attempts it waits on the
// limiter so retries are paced rather than immediate.
func (b *backoff) onBusy(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.StoreBusy) {
			return err
		}
		if waitErr := b.limiter.Wait(ctx); waitErr != nil {
			return waitErr
		}
	}
}
