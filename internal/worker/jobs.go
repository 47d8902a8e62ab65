// Package worker binds scheduler queues to order and dispatch operations.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine/internal/scheduler"
)

const (
	QueueMilestone = "order.milestone"
	QueueDispatch  = "order.dispatch"
	QueueOffer     = "order.dispatch.offer-timeout"
	QueueSweep     = "order.expiry-sweep"

	SweepJobID = "order-expiry-sweep"
)

var ErrBadPayload = errors.New("invalid job payload")

type MilestoneJob struct {
	OrderID string        `json:"order_id"`
	From    orders.Status `json:"from"`
	To      orders.Status `json:"to"`
}

func (j MilestoneJob) validate() error {
	if j.OrderID == "" || !j.From.Valid() || !j.To.Valid() {
		return fmt.Errorf("%w: milestone %+v", ErrBadPayload, j)
	}
	return nil
}

type DispatchJob struct {
	OrderID string `json:"order_id"`
}

func (j DispatchJob) validate() error {
	if j.OrderID == "" {
		return fmt.Errorf("%w: dispatch without order_id", ErrBadPayload)
	}
	return nil
}

// OfferJob fires when an offer's window closes, or at once after a
// rejection, to move the round to the next candidate.
type OfferJob struct {
	OrderID string `json:"order_id"`
	AgentID string `json:"agent_id"`
}

func (j OfferJob) validate() error {
	if j.OrderID == "" || j.AgentID == "" {
		return fmt.Errorf("%w: offer job needs order_id and agent_id", ErrBadPayload)
	}
	return nil
}

type SweepJob struct{}

func (SweepJob) validate() error { return nil }

type job interface{ validate() error }

func decode[T job](rec scheduler.Record) (T, error) {
	var j T
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &j); err != nil {
			return j, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	return j, j.validate()
}

// Queue schedules order jobs; it satisfies orders.JobQueue and
// dispatch.Timers.
type Queue struct {
	Scheduler *scheduler.Scheduler
}

func (q Queue) ScheduleMilestone(ctx context.Context, orderID string, from, to orders.Status, delay time.Duration) error {
	return q.Scheduler.Delay(ctx, QueueMilestone, MilestoneJob{OrderID: orderID, From: from, To: to}, delay)
}

func (q Queue) ScheduleDispatch(ctx context.Context, orderID string, delay time.Duration) error {
	return q.Scheduler.Delay(ctx, QueueDispatch, DispatchJob{OrderID: orderID}, delay)
}

func (q Queue) ScheduleOfferCheck(ctx context.Context, orderID, agentID string, delay time.Duration) error {
	return q.Scheduler.Delay(ctx, QueueOffer, OfferJob{OrderID: orderID, AgentID: agentID}, delay)
}
