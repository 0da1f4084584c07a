package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"hpo-backend/cmd"
	"hpo-backend/internal/config"
	"hpo-backend/internal/coordinator"
	"hpo-backend/internal/database"
	"hpo-backend/internal/messaging"
)

func main() {
	log.Println("Starting study worker...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Open(cfg.StorageType, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer reciever.Close()

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := messaging.NewStudyWorker(
		db, reciever, publisher,
		cmd.NewBackendFactory(cfg),
		cfg.WorkerConcurrency,
		coordinator.WithPollInterval(time.Duration(cfg.PollIntervalMS)*time.Millisecond),
	)

	log.Printf("Worker running with concurrency %d, backend %s", cfg.WorkerConcurrency, cfg.Backend)

	worker.Start(ctx)

	log.Println("Worker stopped.")
}
