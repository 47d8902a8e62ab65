package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/app"
	"github.com/ariefcatur/go-fulfillment-engine/internal/config"
	"github.com/ariefcatur/go-fulfillment-engine/internal/httpx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}

	if err := a.RegisterWorkers(ctx); err != nil {
		log.Fatalf("workers: %v", err)
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := a.Scheduler.Run(ctx); err != nil {
			log.Printf("scheduler exit: %v", err)
		}
	}()

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Orders: a.Orders, Payments: a.Payments, Jobs: a.Jobs}).Register(router)
	(&httpx.PaymentsHandler{Payments: a.Payments}).Register(router)
	(&httpx.DispatchHandler{Matcher: a.Matcher, Agents: a.Agents}).Register(router)
	(&httpx.InventoryHandler{Ledger: a.Ledger}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s (storage=%s)", cfg.HTTPAddr, cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	<-schedDone
	a.Close()
}
