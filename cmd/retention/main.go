// Package main implements the scheduled Lambda that prunes history older
// than the retention window for every document.
package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"mindmap-history/application/commands"
	"mindmap-history/domain/history"
	"mindmap-history/infrastructure/config"
	"mindmap-history/infrastructure/di"
)

// requestedBy identifies scheduled runs in the logs and events
const requestedBy = "scheduler"

var container *di.Container

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.IsLambda = true

	container, _, err = di.InitializeContainer(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
}

// Handler runs one sweep
func Handler(ctx context.Context, event events.CloudWatchEvent) error {
	defer container.Shutdown(ctx)

	start := time.Now()
	result, err := container.CommandBus.Send(ctx, &commands.CleanupHistoryCommand{RequestedBy: requestedBy})
	if err != nil {
		container.Logger.Error("Scheduled cleanup failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return err
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.Duration("duration", time.Since(start)),
	}
	if pruned, ok := result.(history.PruneResult); ok {
		fields = append(fields, zap.Any("result", pruned))
	}
	container.Logger.Info("Scheduled cleanup finished", fields...)
	return nil
}

func main() {
	lambda.Start(Handler)
}
