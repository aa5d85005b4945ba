package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invpredict/training"
)

// Metrics 服务指标. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	predictions      *prometheus.CounterVec
	batchSize        prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
	outOfRange       *prometheus.CounterVec
	modelLoads       prometheus.Counter
	modelLoaded      prometheus.Gauge
	modelLoadedAt    prometheus.Gauge
	trainingJobs     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	wsClients        prometheus.Gauge
}

// NewMetrics 创建并注册所有指标
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_requests_total",
			Help:      "Prediction requests by outcome.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_batch_size",
			Help:      "Records per successful prediction request.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_cache_lookups_total",
			Help:      "Prediction cache lookups by result.",
		}, []string{"result"}),
		outOfRange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_out_of_range_total",
			Help:      "Predicted records with a feature outside the training range.",
		}, []string{"feature"}),
		modelLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Times a model was swapped in.",
		}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when a model is serving predictions.",
		}),
		modelLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_trained_timestamp_seconds",
			Help:      "Training time of the active model.",
		}),
		trainingJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_jobs_total",
			Help:      "Finished training jobs by status.",
		}, []string{"status"}),
		trainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of finished training jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected training event subscribers.",
		}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration, m.predictions, m.batchSize, m.cacheLookups,
		m.outOfRange, m.modelLoads, m.modelLoaded, m.modelLoadedAt,
		m.trainingJobs, m.trainingDuration, m.wsClients,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) PredictionServed(outcome string, batch int) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.batchSize.Observe(float64(batch))
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) FeatureOutOfRange(feature string) {
	if m == nil {
		return
	}
	m.outOfRange.WithLabelValues(feature).Inc()
}

func (m *Metrics) ModelLoaded(trainedAt time.Time) {
	if m == nil {
		return
	}
	m.modelLoads.Inc()
	m.modelLoaded.Set(1)
	m.modelLoadedAt.Set(float64(trainedAt.Unix()))
}

func (m *Metrics) TrainingFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.trainingJobs.WithLabelValues(status).Inc()
	m.trainingDuration.Observe(elapsed.Seconds())
}

// JobUpdated counts finished training jobs.
func (m *Metrics) JobUpdated(job training.Job) {
	if m == nil || !job.Done() {
		return
	}
	var elapsed time.Duration
	if job.StartedAt != nil && job.FinishedAt != nil {
		elapsed = job.FinishedAt.Sub(*job.StartedAt)
	}
	m.TrainingFinished(string(job.Status), elapsed)
}

func (m *Metrics) ClientsConnected(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
