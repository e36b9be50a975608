//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"mindmap-history/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideDomainConfig,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
	ProvidePrometheusMetrics,
	ProvideMetrics,
	ProvideTracer,
	ProvideBackendStore,
	ProvideHistoryStore,
	ProvideLocker,
	ProvideStateCache,
	ProvideConnectionRegistry,
	ProvideBroadcaster,
	ProvideEventPublisher,
	ProvideAccessChecker,
	ProvideEntitlementChecker,
	ProvideReplayer,
	ProvideHistoryService,
	ProvideRetentionService,
	ProvideCommandBus,
	ProvideQueryBus,
	ProvideErrorHandler,
	ProvideRateLimiter,
	ProvideVerifier,
	ProvideAuthenticator,
	ProvideHistoryHandler,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// RealtimeSet wires the websocket functions
var RealtimeSet = wire.NewSet(
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideVerifier,
	ProvideConnectionRegistry,
	ProvideBroadcaster,
	wire.Struct(new(Realtime), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}

// InitializeRealtime creates the websocket dependencies
func InitializeRealtime(ctx context.Context, cfg *config.Config) (*Realtime, error) {
	wire.Build(RealtimeSet)
	return nil, nil
}
