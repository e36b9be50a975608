package observability

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metric names recorded by the history engine
const (
	MetricEventsAppended      = "history.events.appended"
	MetricWriteReconciled     = "history.write.reconciled"
	MetricWriteDuration       = "history.write.duration"
	MetricBranchCreated       = "history.branch.created"
	MetricCheckpointCreated   = "history.checkpoint.created"
	MetricCheckpointRejected  = "history.checkpoint.rejected"
	MetricPointerConflict     = "history.pointer.conflict"
	MetricNavigation          = "history.navigation"
	MetricReplayDuration      = "history.replay.duration"
	MetricReplayEvents        = "history.replay.events"
	MetricReplayCacheHit      = "history.replay.cache_hit"
	MetricReplayCacheMiss     = "history.replay.cache_miss"
	MetricChainBroken         = "history.chain.broken"
	MetricCleanupDeleted      = "history.cleanup.deleted"
	MetricCleanupDuration     = "history.cleanup.duration"
	MetricStoreRetry          = "history.store.retry"
	MetricHTTPRequestDuration = "http.request.duration"
	MetricCommandDuration     = "app.command.duration"
	MetricQueryDuration       = "app.query.duration"
	MetricStoreBreakerState   = "history.store.breaker_state"
)

// NoopMetrics discards every measurement
type NoopMetrics struct{}

// NewNoopMetrics creates a metrics sink that records nothing
func NewNoopMetrics() *NoopMetrics { return &NoopMetrics{} }

// IncrementCounter does nothing
func (NoopMetrics) IncrementCounter(string, map[string]string) {}

// RecordDuration does nothing
func (NoopMetrics) RecordDuration(string, time.Duration, map[string]string) {}

// RecordValue does nothing
func (NoopMetrics) RecordValue(string, float64, map[string]string) {}

// CloudWatchMetrics buffers measurements and ships them with PutMetricData.
// Lambda handlers call Flush before returning.
type CloudWatchMetrics struct {
	namespace string
	client    *cloudwatch.Client
	logger    *zap.Logger

	mu     sync.Mutex
	buffer []types.MetricDatum
}

// cloudWatchBatchSize is the PutMetricData limit per request
const cloudWatchBatchSize = 1000

// NewCloudWatchMetrics creates a CloudWatch backed metrics sink
func NewCloudWatchMetrics(namespace string, client *cloudwatch.Client, logger *zap.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		namespace: namespace,
		client:    client,
		logger:    logger,
	}
}

// IncrementCounter records a count of one
func (m *CloudWatchMetrics) IncrementCounter(name string, tags map[string]string) {
	m.add(name, 1, types.StandardUnitCount, tags)
}

// RecordDuration records a latency in milliseconds
func (m *CloudWatchMetrics) RecordDuration(name string, d time.Duration, tags map[string]string) {
	m.add(name, float64(d.Milliseconds()), types.StandardUnitMilliseconds, tags)
}

// RecordValue records a unitless value
func (m *CloudWatchMetrics) RecordValue(name string, value float64, tags map[string]string) {
	m.add(name, value, types.StandardUnitNone, tags)
}

func (m *CloudWatchMetrics) add(name string, value float64, unit types.StandardUnit, tags map[string]string) {
	if m.client == nil {
		return
	}

	var dimensions []types.Dimension
	for _, key := range sortedKeys(tags) {
		dimensions = append(dimensions, types.Dimension{
			Name:  aws.String(key),
			Value: aws.String(tags[key]),
		})
	}

	m.mu.Lock()
	m.buffer = append(m.buffer, types.MetricDatum{
		MetricName: aws.String(name),
		Dimensions: dimensions,
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now()),
	})
	m.mu.Unlock()
}

// Flush sends everything buffered so far
func (m *CloudWatchMetrics) Flush(ctx context.Context) error {
	if m.client == nil {
		return nil
	}

	m.mu.Lock()
	pending := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	for start := 0; start < len(pending); start += cloudWatchBatchSize {
		end := start + cloudWatchBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: pending[start:end],
		})
		if err != nil {
			// Metrics never fail the request
			m.logger.Warn("Failed to send metrics", zap.Error(err), zap.Int("datums", end-start))
			return err
		}
	}
	return nil
}

// PrometheusMetrics maps measurements onto lazily registered collectors.
// The label set of a metric is fixed by its first use.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

// NewPrometheusMetrics creates a collector set on its own registry
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  sanitizeMetricName(namespace),
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}
}

// Registry exposes the registry for the /metrics handler
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementCounter increments <name>_total
func (m *PrometheusMetrics) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sanitizeMetricName(name) + "_total"
	vec, ok := m.counters[key]
	if !ok {
		m.labels[key] = sortedKeys(tags)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      "Count of " + name,
		}, m.labels[key])
		m.registry.MustRegister(vec)
		m.counters[key] = vec
	}
	vec.With(m.labelValues(key, tags)).Inc()
}

// RecordDuration observes <name>_seconds
func (m *PrometheusMetrics) RecordDuration(name string, d time.Duration, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sanitizeMetricName(name) + "_seconds"
	vec, ok := m.histograms[key]
	if !ok {
		m.labels[key] = sortedKeys(tags)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      "Duration of " + name,
			Buckets:   prometheus.DefBuckets,
		}, m.labels[key])
		m.registry.MustRegister(vec)
		m.histograms[key] = vec
	}
	vec.With(m.labelValues(key, tags)).Observe(d.Seconds())
}

// RecordValue sets the gauge <name>
func (m *PrometheusMetrics) RecordValue(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sanitizeMetricName(name)
	vec, ok := m.gauges[key]
	if !ok {
		m.labels[key] = sortedKeys(tags)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      "Last value of " + name,
		}, m.labels[key])
		m.registry.MustRegister(vec)
		m.gauges[key] = vec
	}
	vec.With(m.labelValues(key, tags)).Set(value)
}

func (m *PrometheusMetrics) labelValues(key string, tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(m.labels[key]))
	for _, label := range m.labels[key] {
		out[label] = tags[label]
	}
	return out
}

func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
