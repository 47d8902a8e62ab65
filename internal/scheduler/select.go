package scheduler

import (
	"context"
	"log"
	"time"

	kafkax "github.com/ariefcatur/go-fulfillment-engine/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Probe checks whether the durable backend's dependencies answer.
type Probe func(ctx context.Context) error

// BrokerProbe pings Redis and then Kafka.
func BrokerProbe(rdb *redis.Client, brokers []string) Probe {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		return kafkax.Ping(ctx, brokers)
	}
}

// Select runs probe for at most timeout. On success it builds the durable
// backend; on failure it falls back to local timers and flags degraded mode.
// Callers never wait longer than timeout.
func Select(ctx context.Context, probe Probe, timeout time.Duration, durable func() Backend) Backend {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := probe(pctx); err != nil {
		metrics.SchedulerDegraded.Set(1)
		log.Printf("scheduler: WARN durable backend unavailable (%v), degrading to local timers; jobs will not survive a restart", err)
		return NewMemoryBackend()
	}
	metrics.SchedulerDegraded.Set(0)
	return durable()
}
