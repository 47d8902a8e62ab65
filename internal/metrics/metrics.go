package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Name:      "orders_created_total",
		Help:      "Orders created at checkout by payment method.",
	}, []string{"payment_method"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Name:      "order_transitions_total",
		Help:      "Order status transitions by target status and actor.",
	}, []string{"status", "actor"})

	PaymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Name:      "payment_events_total",
		Help:      "Payment signals by source and outcome.",
	}, []string{"source", "outcome"})

	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Name:      "dispatch_outcomes_total",
		Help:      "Dispatch offers and broadcasts by outcome.",
	}, []string{"outcome"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fulfillment",
		Name:      "jobs_processed_total",
		Help:      "Scheduler jobs handled by queue and result.",
	}, []string{"queue", "result"})

	SchedulerDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fulfillment",
		Name:      "scheduler_degraded",
		Help:      "1 when the scheduler runs on local timers instead of the durable broker.",
	})
)

func Handler() http.Handler { return promhttp.Handler() }
