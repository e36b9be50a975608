// Package main implements the websocket $connect and $disconnect Lambda.
// A client subscribes to one document's history notifications per
// connection.
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

	realtime, err := di.InitializeRealtime(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize dependencies: %v", err)
	}

	h := &connectHandler{
		registry: realtime.Connections,
		logger:   realtime.Logger,
	}
	// A nil *auth.Verifier must not become a non-nil interface
	if realtime.Verifier != nil {
		h.verifier = realtime.Verifier
	}
	lambda.Start(h.Handle)
}
