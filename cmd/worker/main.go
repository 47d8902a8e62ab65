package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-fulfillment-engine/internal/app"
	"github.com/ariefcatur/go-fulfillment-engine/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Storage == config.StorageMemory {
		log.Fatalf("worker needs STORAGE=%s; in memory mode the api runs its own jobs", config.StoragePostgres)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	if !a.Scheduler.Backend().Durable() {
		log.Printf("worker: WARN running on local timers; only the expiry sweep will fire here")
	}
	if err := a.RegisterWorkers(ctx); err != nil {
		log.Fatalf("workers: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Printf("worker started: group=%s topic=%s workers=%d", cfg.WorkerGroup, cfg.JobTopic, cfg.Workers)
		if err := a.Scheduler.Run(ctx); err != nil {
			log.Printf("scheduler exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}
	log.Println("shutting down worker...")
	cancel()
	<-done
	a.Close()
}
