package core

import (
	"context"
	"time"
)

const expiryBatch = 500

// RunExpiryJanitor expires overdue offers every interval until ctx is done.
func (e *Engine) RunExpiryJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Drain in batches so one tick clears a backlog.
			for {
				n, err := e.ExpireOffers(ctx, expiryBatch)
				if err != nil {
					e.log.Warn().Err(err).Msg("offer expiry pass failed")
					break
				}
				if n > 0 {
					e.log.Info().Int("expired", n).Msg("offers expired")
				}
				if n < expiryBatch {
					break
				}
			}
		}
	}
}
