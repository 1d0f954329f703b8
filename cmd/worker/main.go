package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"labeling-backend/cmd"
	"labeling-backend/internal/config"
	"labeling-backend/internal/database"
	"labeling-backend/internal/engine"
	"labeling-backend/internal/messaging"
)

// The worker stands in for the external training collaborator: it consumes
// batch-ready events from the retraining queue and acknowledges each batch
// through the engine. Acknowledgement is idempotent, so redeliveries of an
// already-acked batch are harmless.
func main() {
	log.Println("Starting Retraining Worker...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	eng, err := engine.New(db, publisher, cfg.Engine)
	if err != nil {
		log.Fatalf("Failed to initialize orchestration engine: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}
	defer receiver.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go consumeEvents(ctx, eng, receiver)

	log.Println("Worker started. Waiting for batch events. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")
	stop()

	log.Println("Worker process stopped.")
}

func consumeEvents(ctx context.Context, eng *engine.Engine, receiver messaging.Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-receiver.Events():
			if !ok {
				return
			}
			handleEvent(ctx, eng, event)
		}
	}
}

func handleEvent(ctx context.Context, eng *engine.Engine, event messaging.Event) {
	var payload messaging.RetrainingBatchPayload
	if err := json.Unmarshal(event.Payload(), &payload); err != nil {
		slog.Error("invalid retraining batch payload, rejecting", "error", err)
		if err := event.Reject(); err != nil {
			slog.Error("error rejecting event", "error", err)
		}
		return
	}

	slog.Info("received retraining batch", "batch_id", payload.BatchId, "tasks", len(payload.TaskIds))

	if err := eng.AckBatch(ctx, payload.BatchId); err != nil {
		slog.Error("error acknowledging batch, requeueing event", "batch_id", payload.BatchId, "error", err)
		if err := event.Nack(); err != nil {
			slog.Error("error nacking event", "error", err)
		}
		return
	}

	if err := event.Ack(); err != nil {
		slog.Error("error acking event", "batch_id", payload.BatchId, "error", err)
	}
}
