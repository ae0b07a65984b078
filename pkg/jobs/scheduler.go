package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Every enqueues a job of the given type on each tick until ctx is done.
// A non-positive interval disables the schedule.
func Every(ctx context.Context, q *Queue, interval time.Duration, jobType string, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Enqueue(Job{Type: jobType}); err != nil {
					logger.Warn("scheduled job not enqueued", zap.String("type", jobType), zap.Error(err))
				}
			}
		}
	}()
}
