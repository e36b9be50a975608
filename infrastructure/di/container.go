package di

import (
	"context"

	"go.uber.org/zap"

	"mindmap-history/application/commands/bus"
	"mindmap-history/application/ports"
	querybus "mindmap-history/application/queries/bus"
	"mindmap-history/application/services"
	"mindmap-history/infrastructure/config"
	"mindmap-history/infrastructure/messaging/websocket"
	"mindmap-history/infrastructure/persistence/dynamodb"
	"mindmap-history/infrastructure/persistence/resilience"
	"mindmap-history/interfaces/http/rest"
	"mindmap-history/pkg/auth"
	"mindmap-history/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config           *config.Config
	Logger           *zap.Logger
	Store            *resilience.RetryingStore
	HistoryService   *services.HistoryService
	RetentionService *services.RetentionService
	CommandBus       *bus.CommandBus
	QueryBus         *querybus.QueryBus
	Router           *rest.Router
	Metrics          ports.Metrics
}

// Realtime holds what the websocket functions need. It never opens the
// history store.
type Realtime struct {
	Config      *config.Config
	Logger      *zap.Logger
	Verifier    *auth.Verifier
	Connections *dynamodb.ConnectionRegistry
	Broadcaster *websocket.Broadcaster
}

// Shutdown flushes buffered telemetry. Store and cache connections are
// released by the cleanup function returned with the container.
func (c *Container) Shutdown(ctx context.Context) {
	if cw, ok := c.Metrics.(*observability.CloudWatchMetrics); ok {
		if err := cw.Flush(ctx); err != nil {
			c.Logger.Warn("Failed to flush metrics", zap.Error(err))
		}
	}
	_ = c.Logger.Sync()
}
