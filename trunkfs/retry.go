package trunkfs

import (
	"context"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/fastdfs-go/trunkstore"
)

// withRetry mirrors the teacher's top-level Retry helper: Fibonacci
// backoff, up to 5 retries after the first attempt, permanent OS errors
// short-circuited via
// trunkstore.ShouldRetry so both packages share one classification list.
func withRetry(ctx context.Context, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(10 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		err := task(ctx)
		if err == nil {
			return nil
		}
		if trunkstore.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		log.Warn(err.Error() + ", gave up")
	}
	return err
}
