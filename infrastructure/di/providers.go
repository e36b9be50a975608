package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mindmap-history/application/commands/bus"
	commandhandlers "mindmap-history/application/commands/handlers"
	"mindmap-history/application/ports"
	querybus "mindmap-history/application/queries/bus"
	queryhandlers "mindmap-history/application/queries/handlers"
	"mindmap-history/application/services"
	domainconfig "mindmap-history/domain/config"
	"mindmap-history/domain/history"
	"mindmap-history/infrastructure/cache"
	"mindmap-history/infrastructure/config"
	"mindmap-history/infrastructure/messaging"
	"mindmap-history/infrastructure/messaging/eventbridge"
	"mindmap-history/infrastructure/messaging/websocket"
	"mindmap-history/infrastructure/persistence/dynamodb"
	"mindmap-history/infrastructure/persistence/memory"
	"mindmap-history/infrastructure/persistence/resilience"
	"mindmap-history/infrastructure/persistence/sqlstore"
	"mindmap-history/interfaces/http/rest"
	"mindmap-history/interfaces/http/rest/handlers"
	"mindmap-history/interfaces/http/rest/middleware"
	"mindmap-history/pkg/auth"
	pkgerrors "mindmap-history/pkg/errors"
	"mindmap-history/pkg/observability"
)

// serviceName tags traces and the command metrics
const serviceName = "mindmap-history"

// BackendStore is the store selected by STORAGE_BACKEND before the retry
// and breaker decoration
type BackendStore interface {
	ports.HistoryStore
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.IsProduction() || cfg.IsLambda {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName), zap.String("environment", cfg.Environment)), nil
}

// ProvideDomainConfig returns the history policy
func ProvideDomainConfig(cfg *config.Config) *domainconfig.DomainConfig {
	return cfg.DomainConfig()
}

// usesAWS reports whether the deployment talks to AWS services
func usesAWS(cfg *config.Config) bool {
	return cfg.IsLambda || cfg.StorageBackend == config.BackendDynamoDB
}

// ProvideAWSConfig creates AWS configuration. Loading it does not contact
// AWS, so it is cheap for deployments that never use a client.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// ProvidePrometheusMetrics creates the scrape registry for long running
// servers; Lambda deployments report to CloudWatch instead
func ProvidePrometheusMetrics(cfg *config.Config) *observability.PrometheusMetrics {
	if !cfg.EnableMetrics || cfg.IsLambda {
		return nil
	}
	return observability.NewPrometheusMetrics(cfg.MetricsNamespace)
}

// ProvideMetrics selects the metrics sink
func ProvideMetrics(cfg *config.Config, client *awscloudwatch.Client, prom *observability.PrometheusMetrics, logger *zap.Logger) ports.Metrics {
	switch {
	case !cfg.EnableMetrics:
		return observability.NewNoopMetrics()
	case cfg.IsLambda:
		return observability.NewCloudWatchMetrics(fmt.Sprintf("%s/%s", cfg.MetricsNamespace, cfg.Environment), client, logger)
	default:
		return prom
	}
}

// ProvideTracer creates the X-Ray tracer
func ProvideTracer(cfg *config.Config) *observability.Tracer {
	return observability.NewTracer(serviceName, cfg.EnableTracing)
}

// ProvideBackendStore opens the configured storage backend
func ProvideBackendStore(ctx context.Context, cfg *config.Config, client *awsdynamodb.Client, logger *zap.Logger) (BackendStore, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := sqlstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.NewHistoryStore(db, sqlstore.Postgres, logger), func() { db.Close() }, nil
	case config.BackendSQLite:
		db, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.NewHistoryStore(db, sqlstore.SQLite, logger), func() { db.Close() }, nil
	case config.BackendDynamoDB:
		return dynamodb.NewHistoryStore(client, cfg.TableName, logger), func() {}, nil
	default:
		logger.Warn("Using the in-memory history store; history is lost on restart")
		return memory.NewHistoryStore(), func() {}, nil
	}
}

// ProvideHistoryStore decorates the backend with one retry and a breaker
func ProvideHistoryStore(backend BackendStore, cfg *config.Config, metrics ports.Metrics, logger *zap.Logger) *resilience.RetryingStore {
	breaker := resilience.DefaultBreakerConfig()
	breaker.Name = "history-store-" + cfg.StorageBackend
	if cfg.BreakerMaxRequests > 0 {
		breaker.MaxRequests = uint32(cfg.BreakerMaxRequests)
	}
	if cfg.BreakerInterval > 0 {
		breaker.Interval = cfg.BreakerInterval
	}
	if cfg.BreakerTimeout > 0 {
		breaker.Timeout = cfg.BreakerTimeout
	}
	if cfg.BreakerFailureThreshold > 0 {
		breaker.FailureThreshold = cfg.BreakerFailureThreshold
	}
	if cfg.BreakerMinRequests > 0 {
		breaker.MinRequests = uint32(cfg.BreakerMinRequests)
	}
	return resilience.NewRetryingStore(backend, breaker, metrics, logger)
}

// ProvideLocker selects the cleanup lock. Only DynamoDB deployments run
// more than one process against the same history.
func ProvideLocker(cfg *config.Config, client *awsdynamodb.Client, logger *zap.Logger) ports.Locker {
	if cfg.StorageBackend == config.BackendDynamoDB {
		return dynamodb.NewDistributedLock(client, cfg.LockTableName, logger)
	}
	return memory.NewLocker()
}

// ProvideStateCache selects Redis when REDIS_URL is set
func ProvideStateCache(cfg *config.Config, logger *zap.Logger) (ports.StateCache, func(), error) {
	if cfg.RedisURL == "" {
		c := cache.NewInMemoryCache(time.Minute)
		return c, func() { c.Close() }, nil
	}
	rdb, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisStateCache(rdb, logger), func() { rdb.Close() }, nil
}

// ProvideConnectionRegistry creates the websocket connection registry
func ProvideConnectionRegistry(client *awsdynamodb.Client, cfg *config.Config, logger *zap.Logger) *dynamodb.ConnectionRegistry {
	return dynamodb.NewConnectionRegistry(client, cfg.ConnectionsTable, logger)
}

// ProvideBroadcaster creates the websocket broadcaster, nil without an
// endpoint
func ProvideBroadcaster(cfg *config.Config, awsCfg aws.Config, registry *dynamodb.ConnectionRegistry, logger *zap.Logger) *websocket.Broadcaster {
	if cfg.WebSocketEndpoint == "" {
		return nil
	}
	return websocket.NewBroadcaster(websocket.NewPostClient(awsCfg, cfg.WebSocketEndpoint), registry, logger)
}

// ProvideEventPublisher fans notifications out to every configured sink
func ProvideEventPublisher(cfg *config.Config, client *awseventbridge.Client, broadcaster *websocket.Broadcaster, logger *zap.Logger) ports.EventPublisher {
	publishers := []ports.EventPublisher{messaging.NewLoggingPublisher(logger)}
	if usesAWS(cfg) && cfg.EventBusName != "" {
		publishers = append(publishers, eventbridge.NewPublisher(client, cfg.EventBusName, logger))
	}
	// Without EventBridge the API pushes to websockets itself
	if broadcaster != nil && (!usesAWS(cfg) || cfg.EventBusName == "") {
		publishers = append(publishers, broadcaster)
	}
	return messaging.NewFanOutPublisher(publishers...)
}

// ProvideAccessChecker decides document access from token claims
func ProvideAccessChecker(cfg *config.Config) ports.DocumentAccessChecker {
	if !cfg.EnableAuth {
		return auth.AllowAll{}
	}
	return auth.ClaimsAccessChecker{}
}

// ProvideEntitlementChecker decides plan features from token claims
func ProvideEntitlementChecker(cfg *config.Config) ports.EntitlementChecker {
	if !cfg.EnableAuth {
		return auth.AllowAll{}
	}
	return auth.ClaimsEntitlementChecker{}
}

// ProvideReplayer creates the state resolver
func ProvideReplayer(store *resilience.RetryingStore, stateCache ports.StateCache, metrics ports.Metrics, tracer *observability.Tracer, domainConfig *domainconfig.DomainConfig, logger *zap.Logger) *services.Replayer {
	return services.NewReplayer(store, stateCache, metrics, tracer, logger, domainConfig.ReplayCacheTTL)
}

// ProvideHistoryService creates the history engine
func ProvideHistoryService(
	store *resilience.RetryingStore,
	replayer *services.Replayer,
	publisher ports.EventPublisher,
	entitlements ports.EntitlementChecker,
	metrics ports.Metrics,
	tracer *observability.Tracer,
	domainConfig *domainconfig.DomainConfig,
	logger *zap.Logger,
) *services.HistoryService {
	return services.NewHistoryService(store, replayer, publisher, entitlements, metrics, tracer, domainConfig, logger)
}

// ProvideRetentionService creates the cleanup service
func ProvideRetentionService(
	store *resilience.RetryingStore,
	locker ports.Locker,
	stateCache ports.StateCache,
	publisher ports.EventPublisher,
	metrics ports.Metrics,
	tracer *observability.Tracer,
	domainConfig *domainconfig.DomainConfig,
	logger *zap.Logger,
) *services.RetentionService {
	return services.NewRetentionService(store, locker, stateCache, publisher, metrics, tracer, history.NewPolicy(domainConfig), logger)
}

// ProvideCommandBus creates a command bus with registered handlers
func ProvideCommandBus(
	historyService *services.HistoryService,
	retention *services.RetentionService,
	domainConfig *domainconfig.DomainConfig,
	metrics ports.Metrics,
	logger *zap.Logger,
) (*bus.CommandBus, error) {
	commandBus := bus.NewCommandBus(
		bus.LoggingMiddleware(logger),
		bus.MetricsMiddleware(metrics),
	)
	if err := commandhandlers.RegisterHistoryHandlers(commandBus, historyService, retention, domainConfig, logger); err != nil {
		return nil, err
	}
	return commandBus, nil
}

// ProvideQueryBus creates a query bus with registered handlers
func ProvideQueryBus(historyService *services.HistoryService, metrics ports.Metrics, logger *zap.Logger) (*querybus.QueryBus, error) {
	queryBus := querybus.NewQueryBus(
		querybus.LoggingMiddleware(logger),
		querybus.MetricsMiddleware(metrics),
	)
	if err := queryhandlers.RegisterHistoryQueries(queryBus, historyService, logger); err != nil {
		return nil, err
	}
	return queryBus, nil
}

// ProvideErrorHandler creates the HTTP error handler
func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *pkgerrors.ErrorHandler {
	return pkgerrors.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideRateLimiter creates the per-user limiter, nil when disabled
func ProvideRateLimiter(cfg *config.Config) (*auth.TokenBucketLimiter, func()) {
	if cfg.RateLimitPerSecond == 0 {
		return nil, func() {}
	}
	limiter := auth.NewUserRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	return limiter, limiter.Close
}

// ProvideVerifier creates the token verifier, nil with auth disabled
func ProvideVerifier(cfg *config.Config) (*auth.Verifier, error) {
	if !cfg.EnableAuth {
		return nil, nil
	}
	return auth.NewVerifier(auth.VerifierConfig{
		SecretKey: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
	})
}

// ProvideAuthenticator selects token verification or, with auth disabled,
// the development identity header
func ProvideAuthenticator(verifier *auth.Verifier, errorHandler *pkgerrors.ErrorHandler, logger *zap.Logger) rest.Authenticator {
	if verifier == nil {
		logger.Warn("Authentication is disabled; callers are identified by the " + middleware.DevUserHeader + " header")
		return middleware.DevIdentity(errorHandler)
	}
	return middleware.Authenticate(verifier, errorHandler, logger)
}

// ProvideHistoryHandler creates the HTTP handler
func ProvideHistoryHandler(commandBus *bus.CommandBus, queryBus *querybus.QueryBus, errorHandler *pkgerrors.ErrorHandler, logger *zap.Logger) *handlers.HistoryHandler {
	return handlers.NewHistoryHandler(commandBus, queryBus, errorHandler, logger)
}

// ProvideRouter assembles the HTTP router
func ProvideRouter(
	cfg *config.Config,
	history *handlers.HistoryHandler,
	errorHandler *pkgerrors.ErrorHandler,
	authenticate rest.Authenticator,
	access ports.DocumentAccessChecker,
	limiter *auth.TokenBucketLimiter,
	prom *observability.PrometheusMetrics,
	store *resilience.RetryingStore,
	logger *zap.Logger,
) *rest.Router {
	opts := rest.RouterOptions{
		Authenticate:  authenticate,
		AccessChecker: access,
		EnableCORS:    cfg.EnableCORS,
		Ready:         storeReady(store),
	}
	if limiter != nil {
		opts.Limiter = limiter
	}
	if prom != nil {
		opts.MetricsHandler = promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})
	}
	return rest.NewRouter(history, errorHandler, opts, logger)
}

// storeReady fails while the store breaker is open
func storeReady(store *resilience.RetryingStore) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if store.State() == gobreaker.StateOpen {
			return pkgerrors.ErrStorageUnavailable.Clone()
		}
		return nil
	}
}
