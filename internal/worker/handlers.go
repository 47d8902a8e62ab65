package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/dispatch"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine/internal/scheduler"
)

type Deps struct {
	Orders        *orders.Service
	Matcher       *dispatch.Matcher
	SweepInterval time.Duration
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrBadPayload) ||
		errors.Is(err, orders.ErrNotFound) ||
		errors.Is(err, orders.ErrInvalidTransition) ||
		errors.Is(err, orders.ErrAlreadyAssigned) ||
		errors.Is(err, dispatch.ErrExhausted) ||
		errors.Is(err, dispatch.ErrNoOffer)
}

// settle logs and swallows permanent failures so they are not retried.
func settle(queue string, err error) error {
	if err == nil {
		return nil
	}
	if permanent(err) {
		log.Printf("worker: %s: %v", queue, err)
		return nil
	}
	return err
}

// Register installs the job handlers and arms the expiry sweep.
func Register(ctx context.Context, s *scheduler.Scheduler, d Deps) error {
	s.Handle(QueueMilestone, func(ctx context.Context, rec scheduler.Record) error {
		j, err := decode[MilestoneJob](rec)
		if err != nil {
			return settle(QueueMilestone, err)
		}
		return settle(QueueMilestone, d.Orders.AdvanceMilestone(ctx, j.OrderID, j.From, j.To))
	})

	s.Handle(QueueDispatch, func(ctx context.Context, rec scheduler.Record) error {
		j, err := decode[DispatchJob](rec)
		if err != nil {
			return settle(QueueDispatch, err)
		}
		if d.Matcher == nil {
			log.Printf("worker: no matcher configured, %s stays unassigned", j.OrderID)
			return nil
		}
		_, err = d.Matcher.Dispatch(ctx, j.OrderID)
		return settle(QueueDispatch, err)
	})

	s.Handle(QueueOffer, func(ctx context.Context, rec scheduler.Record) error {
		j, err := decode[OfferJob](rec)
		if err != nil {
			return settle(QueueOffer, err)
		}
		if d.Matcher == nil {
			return nil
		}
		_, err = d.Matcher.Advance(ctx, j.OrderID, j.AgentID)
		return settle(QueueOffer, err)
	})

	s.Handle(QueueSweep, func(ctx context.Context, rec scheduler.Record) error {
		if _, err := decode[SweepJob](rec); err != nil {
			return settle(QueueSweep, err)
		}
		_, err := d.Orders.ExpireOverdue(ctx)
		return err
	})

	if d.SweepInterval <= 0 {
		return nil
	}
	return s.Every(ctx, SweepJobID, QueueSweep, SweepJob{}, d.SweepInterval)
}
