package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	kafkax "github.com/ariefcatur/go-fulfillment-engine/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-engine/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

const jobEventType = "job.due"

type DurableConfig struct {
	Brokers      []string
	Topic        string
	Group        string
	Service      string
	Workers      int
	MaxAttempts  int
	Backoff      time.Duration
	PollInterval time.Duration
}

func (c *DurableConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// claimRecurring advances a recurring job's next run only if it is still due,
// so exactly one process fires each tick.
var claimRecurring = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// DurableBackend keeps timers in Redis sorted sets and hands due jobs to a
// Kafka topic consumed by a worker pool. Offsets are committed after the
// handler finishes, so delivery is at-least-once; a per-job marker in Redis
// drops redeliveries of jobs that already completed.
type DurableBackend struct {
	rdb    *redis.Client
	writer *kafkax.Writer
	cfg    DurableConfig
	done   *redisx.Deduper
	once   sync.Once
}

func NewDurableBackend(rdb *redis.Client, cfg DurableConfig) *DurableBackend {
	cfg.defaults()
	return &DurableBackend{
		rdb:    rdb,
		writer: kafkax.NewWriter(cfg.Brokers, cfg.Topic),
		cfg:    cfg,
		done:   &redisx.Deduper{RDB: rdb, Service: cfg.Service + ":job", TTL: redisx.TTLJobDedup},
	}
}

func (b *DurableBackend) Name() string  { return "redis+kafka" }
func (b *DurableBackend) Durable() bool { return true }

func (b *DurableBackend) Enqueue(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	now := time.Now()
	if rec.Recurring() {
		next := now.Add(rec.Options.Interval()).UnixMilli()
		_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, redisx.KeySchedRecurring, rec.ID, raw)
			// NX keeps the existing cadence when another process registered first
			p.ZAddNX(ctx, redisx.KeySchedRecurringDue, redis.Z{Score: float64(next), Member: rec.ID})
			return nil
		})
		return err
	}
	if rec.Options.DelayMs <= 0 {
		return b.publish(ctx, rec)
	}
	due := now.Add(rec.Options.Delay()).UnixMilli()
	return b.rdb.ZAdd(ctx, redisx.KeySchedDelayed, redis.Z{Score: float64(due), Member: raw}).Err()
}

// publish wraps the record in the service envelope, keyed by job id.
func (b *DurableBackend) publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ev := kafkax.Envelope{
		EventID:       uuid.NewString(),
		EventType:     jobEventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      b.cfg.Service,
		CorrelationID: rec.ID,
		Payload:       payload,
	}
	return b.writer.Write(ctx, []byte(rec.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(jobEventType)},
		kafkago.Header{Key: kafkax.HeaderJobQueue, Value: []byte(rec.Queue)})
}

func (b *DurableBackend) Run(ctx context.Context, deliver Deliver) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.pump(ctx)
	}()

	consumer := kafkax.NewConsumer(b.cfg.Brokers, b.cfg.Group, b.cfg.Topic, b.cfg.Workers)
	err := consumer.Start(ctx, func(ctx context.Context, m kafkago.Message) error {
		return b.handle(ctx, m, deliver)
	})
	wg.Wait()
	return err
}

// pump moves due jobs from Redis to Kafka.
func (b *DurableBackend) pump(ctx context.Context) {
	t := time.NewTicker(b.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.moveDelayed(ctx); err != nil && ctx.Err() == nil {
				log.Printf("scheduler: move delayed jobs: %v", err)
			}
			if err := b.fireRecurring(ctx); err != nil && ctx.Err() == nil {
				log.Printf("scheduler: fire recurring jobs: %v", err)
			}
		}
	}
}

func (b *DurableBackend) moveDelayed(ctx context.Context) error {
	now := time.Now().UnixMilli()
	due, err := b.rdb.ZRangeByScore(ctx, redisx.KeySchedDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		// ZREM decides which process owns the job
		n, err := b.rdb.ZRem(ctx, redisx.KeySchedDelayed, member).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			log.Printf("scheduler: dropping undecodable delayed job: %v", err)
			continue
		}
		if err := b.publish(ctx, rec); err != nil {
			retry := float64(time.Now().Add(b.cfg.Backoff).UnixMilli())
			if zerr := b.rdb.ZAdd(ctx, redisx.KeySchedDelayed, redis.Z{Score: retry, Member: member}).Err(); zerr != nil {
				log.Printf("scheduler: LOST job %s: publish: %v, requeue: %v", rec.ID, err, zerr)
			}
			return err
		}
	}
	return nil
}

func (b *DurableBackend) fireRecurring(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := b.rdb.ZRangeByScore(ctx, redisx.KeySchedRecurringDue, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, err := b.rdb.HGet(ctx, redisx.KeySchedRecurring, id).Result()
		if err == redis.Nil {
			b.rdb.ZRem(ctx, redisx.KeySchedRecurringDue, id)
			continue
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("scheduler: bad recurring job %s: %v", id, err)
			continue
		}
		next := now + rec.Options.RepeatIntervalMs
		won, err := claimRecurring.Run(ctx, b.rdb, []string{redisx.KeySchedRecurringDue}, id, now, next).Int()
		if err != nil {
			return err
		}
		if won == 0 {
			continue
		}
		tick := rec
		tick.ID = fmt.Sprintf("%s@%d", id, now)
		tick.Options = Options{}
		if err := b.publish(ctx, tick); err != nil {
			return err
		}
	}
	return nil
}

func (b *DurableBackend) handle(ctx context.Context, m kafkago.Message, deliver Deliver) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Printf("scheduler: dropping undecodable job at offset %d: %v", m.Offset, err)
		return nil
	}
	if env.EventType != jobEventType {
		return nil
	}
	rec, err := kafkax.UnwrapPayload[Record](env.Payload)
	if err != nil {
		log.Printf("scheduler: dropping job %s at offset %d: %v", env.CorrelationID, m.Offset, err)
		return nil
	}
	seen, err := b.done.Seen(ctx, rec.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if err := deliver(ctx, rec); err != nil {
		return b.retry(ctx, rec, err)
	}
	if _, err := b.done.Claim(ctx, rec.ID); err != nil {
		log.Printf("scheduler: mark job %s done: %v", rec.ID, err)
	}
	return nil
}

// retry parks a failed job in the delayed set with exponential backoff.
// Returning nil lets the consumer commit the offset; the retry is the
// delayed copy.
func (b *DurableBackend) retry(ctx context.Context, rec Record, cause error) error {
	rec.Attempt++
	if rec.Attempt >= b.cfg.MaxAttempts {
		log.Printf("scheduler: giving up on job %s after %d attempt(s): %v", rec.ID, rec.Attempt, cause)
		return nil
	}
	backoff := b.cfg.Backoff << (rec.Attempt - 1)
	rec.Options = Options{DelayMs: backoff.Milliseconds()}
	log.Printf("scheduler: job %s attempt %d failed, retry in %s: %v", rec.ID, rec.Attempt, backoff, cause)
	return b.Enqueue(ctx, rec)
}

func (b *DurableBackend) Close() error {
	var err error
	b.once.Do(func() { err = b.writer.Close() })
	return err
}
