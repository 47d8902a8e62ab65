package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var ErrClosed = errors.New("scheduler backend closed")

// MemoryBackend runs jobs on local timers. Nothing survives a restart and
// each job gets a single attempt.
type MemoryBackend struct {
	mu       sync.Mutex
	ctx      context.Context
	deliver  Deliver
	pending  []Record
	timers   map[string]*time.Timer
	tickers  map[string]*time.Ticker
	closed   bool
	stopping bool // set once Run's context ends; no timer may be armed after
	inflight sync.WaitGroup
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		timers:  make(map[string]*time.Timer),
		tickers: make(map[string]*time.Ticker),
	}
}

func (b *MemoryBackend) Name() string  { return "memory" }
func (b *MemoryBackend) Durable() bool { return false }

func (b *MemoryBackend) Enqueue(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.stopping {
		return ErrClosed
	}
	if b.deliver == nil {
		b.pending = append(b.pending, rec)
		return nil
	}
	b.arm(rec)
	return nil
}

// arm must be called with mu held.
func (b *MemoryBackend) arm(rec Record) {
	if rec.Recurring() {
		if _, ok := b.tickers[rec.ID]; ok {
			return
		}
		t := time.NewTicker(rec.Options.Interval())
		b.tickers[rec.ID] = t
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			for {
				select {
				case <-b.ctx.Done():
					return
				case _, ok := <-t.C:
					if !ok {
						return
					}
					b.run(rec)
				}
			}
		}()
		return
	}
	b.inflight.Add(1)
	b.timers[rec.ID] = time.AfterFunc(rec.Options.Delay(), func() {
		defer b.inflight.Done()
		b.mu.Lock()
		delete(b.timers, rec.ID)
		b.mu.Unlock()
		b.run(rec)
	})
}

func (b *MemoryBackend) run(rec Record) {
	if b.ctx.Err() != nil {
		return
	}
	if err := b.deliver(b.ctx, rec); err != nil {
		log.Printf("scheduler: memory job failed, not retried: %v", err)
	}
}

func (b *MemoryBackend) Run(ctx context.Context, deliver Deliver) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.ctx = ctx
	b.deliver = deliver
	for _, rec := range b.pending {
		b.arm(rec)
	}
	b.pending = nil
	b.mu.Unlock()

	<-ctx.Done()
	b.stop()
	return nil
}

func (b *MemoryBackend) stop() {
	b.mu.Lock()
	b.stopping = true
	for id, t := range b.timers {
		if t.Stop() {
			b.inflight.Done()
		}
		delete(b.timers, id)
	}
	for id, t := range b.tickers {
		t.Stop()
		delete(b.tickers, id)
	}
	b.mu.Unlock()
	b.inflight.Wait()
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Pending returns how many one-shot jobs are armed and not yet fired.
func (b *MemoryBackend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers) + len(b.pending)
}
