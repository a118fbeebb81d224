package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchHandler processes one batch of messages; it acks or retries each
// message itself (or the whole batch via AckAll/RetryAll) rather than
// returning a status, mirroring the platform's per-message ack/retry
// contract.
type BatchHandler func(ctx context.Context, batch *Batch)

// RunLoop polls Receive on an interval derived from MaxBatchTimeout,
// dispatching whatever batch comes back (which may be smaller than
// MaxBatchSize, or empty) to handler, until ctx is canceled.
func (c *Consumer) RunLoop(ctx context.Context, log *logrus.Entry, handler BatchHandler) {
	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := c.Receive(ctx)
			if err != nil {
				log.WithError(err).WithField("queue", c.queue).Error("queue: receive failed")
				continue
			}
			if len(batch) == 0 {
				continue
			}
			handler(ctx, &Batch{Messages: batch})
		}
	}
}

func (c *Consumer) pollInterval() time.Duration {
	interval := c.cfg.MaxBatchTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	return interval
}
