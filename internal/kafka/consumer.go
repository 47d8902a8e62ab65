package kafka

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message was processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int

	track    *offsetTracker
	commitMu sync.Mutex
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, track: newOffsetTracker()}
}

// Start fetches messages and fans them out to the worker pool. A partition's
// offset only moves past messages whose handlers all succeeded, so a slow or
// failing message is never skipped by a faster one behind it: delivery is
// at-least-once.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, c.workers*4)
	var wg sync.WaitGroup

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if !c.process(ctx, h, m) {
					continue
				}
				c.commit(ctx, m)
			}
		}()
	}
	stop := func() {
		close(jobs)
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			// keep shutdown quiet
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		c.track.fetched(m.Partition, m.Offset)
		select {
		case jobs <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// process runs h until it succeeds. The offset cannot advance past a failed
// message anyway, so it is retried in place with backoff. false means the
// context ended first and the message stays uncommitted.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		backoff := time.Duration(attempt) * 200 * time.Millisecond
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
		log.Printf("kafka: handler error on %s[%d]@%d attempt %d: %v", m.Topic, m.Partition, m.Offset, attempt, err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	upto, ok := c.track.finish(m.Partition, m.Offset)
	if !ok {
		return
	}
	// CommitMessages stores upto+1, the next offset to read
	if err := c.r.CommitMessages(ctx, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: upto}); err != nil {
		log.Printf("kafka: commit %s[%d]@%d: %v", m.Topic, m.Partition, upto, err)
	}
}

// offsetTracker releases a partition's offsets for commit only as a
// contiguous prefix: an offset is committable once it and every offset
// fetched before it on that partition have finished.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // fetch order
	done     map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) fetched(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.parts[partition] = p
	}
	p.inflight = append(p.inflight, offset)
}

// finish marks offset done and returns the last offset of the finished
// prefix. ok is false when the prefix did not grow.
func (t *offsetTracker) finish(partition int, offset int64) (upto int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, found := t.parts[partition]
	if !found {
		return 0, false
	}
	p.done[offset] = true
	for len(p.inflight) > 0 && p.done[p.inflight[0]] {
		upto, ok = p.inflight[0], true
		delete(p.done, upto)
		p.inflight = p.inflight[1:]
	}
	return upto, ok
}
