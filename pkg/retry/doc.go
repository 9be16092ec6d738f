// Package retry provides backoff strategies and a generic retry loop.
//
// The scraper drives its own per-task state machine and only borrows the
// Policy (which strategy to use for which error type) and Wait from here.
// Do is used for auxiliary calls such as session refreshes:
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		return refresh(ctx)
//	}, &retry.Config{MaxAttempts: 3, Backoff: policy.Default})
//
// Waits run on a clockwork clock so tests can drive them with a fake clock.
package retry
