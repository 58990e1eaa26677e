package challenge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Crypto-SI/wafflepayment/internal/obs"
)

// Purger deletes nonces that expired before cutoff.
type Purger interface {
	PurgeNonces(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunJanitor purges expired nonces every interval until ctx is done. Nonces
// are kept for retain past expiry so late replays still report as consumed
// or expired rather than unknown.
func RunJanitor(ctx context.Context, p Purger, interval, retain time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := p.PurgeNonces(ctx, now.Add(-retain).UTC())
			if err != nil {
				obs.Logger().Warn("nonce purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				obs.Logger().Debug("purged expired nonces", zap.Int64("count", n))
			}
		}
	}
}
