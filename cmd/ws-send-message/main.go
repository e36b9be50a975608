// Package main implements the Lambda that relays history notifications
// from EventBridge to the websocket connections open on each document.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"mindmap-history/infrastructure/config"
	"mindmap-history/infrastructure/di"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.WebSocketEndpoint == "" {
		log.Fatal("WEBSOCKET_ENDPOINT is required")
	}

	realtime, err := di.InitializeRealtime(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize dependencies: %v", err)
	}

	h := &relayHandler{publisher: realtime.Broadcaster, logger: realtime.Logger}
	lambda.Start(h.Handle)
}
