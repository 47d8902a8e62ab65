// Package app assembles the fulfillment engine from configuration. Both
// binaries share it so the API and the worker see the same wiring.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ariefcatur/go-fulfillment-engine/internal/config"
	"github.com/ariefcatur/go-fulfillment-engine/internal/dispatch"
	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	kafkax "github.com/ariefcatur/go-fulfillment-engine/internal/kafka"
	"github.com/ariefcatur/go-fulfillment-engine/internal/notify"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine/internal/payments"
	"github.com/ariefcatur/go-fulfillment-engine/internal/postgres"
	"github.com/ariefcatur/go-fulfillment-engine/internal/redisx"
	"github.com/ariefcatur/go-fulfillment-engine/internal/scheduler"
	"github.com/ariefcatur/go-fulfillment-engine/internal/worker"
	"github.com/stripe/stripe-go/v83"
)

type App struct {
	Config    config.Config
	Orders    *orders.Service
	Payments  *payments.Reconciler
	Matcher   *dispatch.Matcher
	Agents    dispatch.Directory
	Ledger    inventory.Ledger
	Scheduler *scheduler.Scheduler
	Jobs      worker.Queue

	closers []func()
}

// Build connects the backing services selected by cfg.Storage. In memory
// mode nothing external is touched.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}
	tun := cfg.Tunables

	var (
		store  orders.Store
		offers dispatch.OfferLog
		dedup  payments.Deduper
	)
	switch cfg.Storage {
	case config.StorageMemory:
		ledger := inventory.NewMemLedger(tun.SeedProducts...)
		a.Ledger = ledger
		store = orders.NewMemStore()
		a.Agents = dispatch.NewMemDirectory()
		offers = dispatch.NewMemOfferLog()
		dedup = &payments.MemDeduper{}
		a.Scheduler = scheduler.New(scheduler.NewMemoryBackend())

	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Ledger = &inventory.PGLedger{DB: db}
		store = &orders.PGStore{DB: db}
		a.Agents = &dispatch.PGDirectory{DB: db}
		offers = &dispatch.PGOfferLog{DB: db}

		rdb := redisx.New(cfg.RedisAddr)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		dedup = &redisx.Deduper{RDB: rdb, Service: cfg.ServiceName + ":webhook", TTL: redisx.TTLDedup}

		backend := scheduler.Select(ctx, scheduler.BrokerProbe(rdb, cfg.KafkaBrokers), cfg.ProbeTimeout,
			func() scheduler.Backend {
				return scheduler.NewDurableBackend(rdb, scheduler.DurableConfig{
					Brokers:     cfg.KafkaBrokers,
					Topic:       cfg.JobTopic,
					Group:       cfg.WorkerGroup,
					Service:     cfg.ServiceName,
					Workers:     cfg.Workers,
					MaxAttempts: tun.MaxAttempts,
				})
			})
		a.Scheduler = scheduler.New(backend)
	}
	a.closers = append(a.closers, func() { _ = a.Scheduler.Close() })

	var notifier notify.Notifier = notify.LogNotifier{}
	if a.Scheduler.Backend().Durable() {
		prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic, 1024)
		prod.Start(ctx)
		a.closers = append(a.closers, func() {
			prod.Close()
			prod.WaitClosed()
		})
		notifier = &notify.KafkaNotifier{Producer: prod, Service: cfg.ServiceName}
	}

	a.Payments = &payments.Reconciler{
		Gateway:       gateway(cfg),
		Dedup:         dedup,
		WebhookSecret: cfg.WebhookSecret,
		KeySecret:     cfg.KeySecret,

		StripeWebhookSecret: cfg.StripeWebhookSecret,
	}
	a.Jobs = worker.Queue{Scheduler: a.Scheduler}
	a.Orders = &orders.Service{
		Store:    store,
		Ledger:   a.Ledger,
		Payments: a.Payments,
		Jobs:     a.Jobs,
		Notifier: notifier,
		Partners: dispatch.PartnerLedger{Agents: a.Agents, Earnings: tun.Dispatch.Earnings},
		Config:   tun.Orders,
	}
	a.Payments.Orders = a.Orders
	a.Matcher = &dispatch.Matcher{
		Orders:   a.Orders,
		Agents:   a.Agents,
		Offers:   offers,
		Notifier: notifier,
		Timers:   a.Jobs,
		Config:   tun.Dispatch,
	}
	return a, nil
}

func gateway(cfg config.Config) payments.Gateway {
	if cfg.StripeSecretKey == "" {
		log.Printf("app: no STRIPE_SECRET_KEY, payments run through the offline gateway")
		return &payments.OfflineGateway{BaseURL: cfg.PaymentBaseURL}
	}
	stripe.Key = cfg.StripeSecretKey
	return &payments.StripeGateway{SuccessURL: cfg.PaymentBaseURL, CancelURL: cfg.PaymentBaseURL}
}

// RegisterWorkers installs the job handlers on the app's scheduler.
func (a *App) RegisterWorkers(ctx context.Context) error {
	return worker.Register(ctx, a.Scheduler, worker.Deps{
		Orders:        a.Orders,
		Matcher:       a.Matcher,
		SweepInterval: a.Config.Tunables.SweepInterval,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
