package upstream

import (
	"context"
	"time"

	"github.com/bardlex/roundproxy/pkg/log"
	"github.com/bardlex/roundproxy/pkg/retry"
)

// Reconnect runs session until ctx ends, backing off between attempts per
// retry.ReconnectConfig. A session that outlived the longest backoff starts
// the backoff over.
func Reconnect(ctx context.Context, logger *log.Logger, session func(ctx context.Context) error) {
	policy := retry.ReconnectConfig()
	attempt := 0
	for {
		started := time.Now()
		err := session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > policy.MaxDelay {
			attempt = 0
		}
		backoff := policy.Delay(attempt)
		logger.WithError(err).Warn("upstream connection lost", "retry_in", log.FormatDuration(backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		attempt++
	}
}
