// Package scheduler runs delayed one-shot and recurring jobs on a pluggable
// backend: Redis and Kafka when reachable, local timers otherwise.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/metrics"
	"github.com/google/uuid"
)

var ErrUnknownQueue = errors.New("no handler for queue")

type Options struct {
	DelayMs          int64 `json:"delay_ms,omitempty"`
	RepeatIntervalMs int64 `json:"repeat_interval_ms,omitempty"`
}

func (o Options) Delay() time.Duration    { return time.Duration(o.DelayMs) * time.Millisecond }
func (o Options) Interval() time.Duration { return time.Duration(o.RepeatIntervalMs) * time.Millisecond }

// Record is the persisted job: queue name, payload and timing options.
type Record struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
	Options Options         `json:"options"`
	Attempt int             `json:"attempt,omitempty"`
}

func (r Record) Recurring() bool { return r.Options.RepeatIntervalMs > 0 }

// Deliver hands a due job to the registered handler.
type Deliver func(ctx context.Context, rec Record) error

type Backend interface {
	Name() string
	// Durable reports whether jobs survive a process restart.
	Durable() bool
	Enqueue(ctx context.Context, rec Record) error
	// Run delivers due jobs until ctx is done.
	Run(ctx context.Context, deliver Deliver) error
	Close() error
}

type Handler func(ctx context.Context, rec Record) error

type Scheduler struct {
	backend Backend

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(b Backend) *Scheduler {
	return &Scheduler{backend: b, handlers: make(map[string]Handler)}
}

func (s *Scheduler) Backend() Backend { return s.backend }

func (s *Scheduler) Handle(queue string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[queue] = h
}

// Delay schedules a one-shot job on queue after d.
func (s *Scheduler) Delay(ctx context.Context, queue string, payload any, d time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", queue, err)
	}
	return s.backend.Enqueue(ctx, Record{
		ID:      uuid.NewString(),
		Queue:   queue,
		Payload: b,
		Options: Options{DelayMs: d.Milliseconds()},
	})
}

// Every registers a recurring job. id is stable so several processes
// registering the same job share one schedule.
func (s *Scheduler) Every(ctx context.Context, id, queue string, payload any, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("recurring job %s: interval must be positive", id)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", queue, err)
	}
	return s.backend.Enqueue(ctx, Record{
		ID:      id,
		Queue:   queue,
		Payload: b,
		Options: Options{RepeatIntervalMs: interval.Milliseconds()},
	})
}

func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler: running on %s backend (durable=%v)", s.backend.Name(), s.backend.Durable())
	return s.backend.Run(ctx, s.deliver)
}

func (s *Scheduler) Close() error { return s.backend.Close() }

func (s *Scheduler) deliver(ctx context.Context, rec Record) error {
	s.mu.RLock()
	h, ok := s.handlers[rec.Queue]
	s.mu.RUnlock()
	if !ok {
		metrics.JobsProcessed.WithLabelValues(rec.Queue, "unknown").Inc()
		log.Printf("scheduler: dropping job %s: %v %q", rec.ID, ErrUnknownQueue, rec.Queue)
		return nil
	}
	if err := h(ctx, rec); err != nil {
		metrics.JobsProcessed.WithLabelValues(rec.Queue, "error").Inc()
		return fmt.Errorf("job %s on %s: %w", rec.ID, rec.Queue, err)
	}
	metrics.JobsProcessed.WithLabelValues(rec.Queue, "ok").Inc()
	return nil
}
