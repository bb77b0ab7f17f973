// Copyright 2025 James Ross
package obs

import (
    "context"
    "time"

    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/vtag/pipeline/internal/config"
)

// StartQueueLengthUpdater samples each platform's task queue length and
// updates the queue_length gauge. One sample per routing destination per
// tick, since that's the actual Redis list workers RPOP against.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
    interval := 2 * time.Second
    if cfg.Reaper.ScanInterval > 0 {
        interval = cfg.Reaper.ScanInterval
    }

    dests := map[string]struct{}{}
    for _, dest := range cfg.Worker.RoutingTable {
        dests[dest] = struct{}{}
    }

    ticker := time.NewTicker(interval)
    go func() {
        defer ticker.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-ticker.C:
                for dest := range dests {
                    key := dest + ":task_queue"
                    n, err := rdb.LLen(ctx, key).Result()
                    if err != nil {
                        log.Debug("queue length poll error", String("queue", key), Err(err))
                        continue
                    }
                    QueueLength.WithLabelValues(key).Set(float64(n))
                }
            }
        }
    }()
}
