// Package service is the prediction boundary: it holds the active model,
// validates incoming batches and turns every outcome into a status and body.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"invpredict/ml"
	"invpredict/monitoring"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
)

// Error codes carried in error bodies.
const (
	CodeModelUnavailable = "model_unavailable"
	CodeMalformedPayload = "malformed_payload"
	CodeBatchTooLarge    = "batch_too_large"
	CodeValidationFailed = "validation_failed"
	CodeInternal         = "internal_error"
)

var (
	ErrModelUnavailable  = errors.New("model not loaded")
	ErrIncompatibleModel = errors.New("model schema does not match service schema")

	// ErrNonFinitePrediction means the model produced NaN or ±Inf.
	ErrNonFinitePrediction = errors.New("prediction is not a finite number")
)

// Response is a transport-neutral reply.
type Response struct {
	Status int
	Body   any
}

type ErrorDetail struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type ErrorBody struct {
	Error   string        `json:"error"`
	Code    string        `json:"code"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type PredictBody struct {
	Predictions  ml.PredictionResult `json:"predictions"`
	ModelVersion string              `json:"model_version"`
}

type HealthBody struct {
	Status       State  `json:"status"`
	ModelVersion string `json:"model_version,omitempty"`
}

type ModelInfo struct {
	Version       string                     `json:"version"`
	Algorithm     string                     `json:"algorithm"`
	Schema        ml.Schema                  `json:"schema"`
	TrainedAt     time.Time                  `json:"trained_at"`
	FeatureRanges map[string]ml.FeatureRange `json:"feature_ranges"`
	Metrics       ml.EvaluationMetrics       `json:"metrics"`
}

type Config struct {
	Schema ml.Schema
	// MaxBatchSize caps records per request; 0 disables the cap.
	MaxBatchSize int
	// CacheSize is the number of cached single-record predictions; 0 disables caching.
	CacheSize int
}

type Service struct {
	schema   ml.Schema
	maxBatch int
	active   atomic.Pointer[ml.TrainedModel]
	cache    *lru.Cache[string, float64]
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

func New(cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) (*Service, error) {
	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("service schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		schema:   cfg.Schema,
		maxBatch: cfg.MaxBatchSize,
		metrics:  metrics,
		logger:   logger,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, float64](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("prediction cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Service) State() State {
	if s.active.Load() == nil {
		return StateUninitialized
	}
	return StateReady
}

// Active returns the serving model, or nil before the first Load.
func (s *Service) Active() *ml.TrainedModel {
	return s.active.Load()
}

func (s *Service) Schema() ml.Schema {
	return s.schema
}

// Load makes m the serving model. In-flight requests finish on the model
// they started with.
func (s *Service) Load(m *ml.TrainedModel) error {
	if err := s.compatible(m); err != nil {
		return err
	}
	s.activated(s.active.Swap(m), m)
	return nil
}

// LoadFile loads an artifact from disk. It reports false when the artifact
// holds the serving model, a model trained before it, or when another model
// was loaded while the file was being read.
func (s *Service) LoadFile(path string) (bool, error) {
	current := s.active.Load()
	m, err := ml.LoadArtifact(path)
	if err != nil {
		return false, err
	}
	if current != nil {
		if current.Version() == m.Version() {
			return false, nil
		}
		if m.TrainedAt().Before(current.TrainedAt()) {
			s.logger.Info("older artifact ignored",
				zap.String("path", path),
				zap.String("model_version", m.Version()),
				zap.String("active_version", current.Version()),
			)
			return false, nil
		}
	}
	if err := s.compatible(m); err != nil {
		return false, err
	}
	if !s.active.CompareAndSwap(current, m) {
		s.logger.Info("artifact superseded during load", zap.String("model_version", m.Version()))
		return false, nil
	}
	s.activated(current, m)
	return true, nil
}

func (s *Service) compatible(m *ml.TrainedModel) error {
	if m == nil {
		return errors.New("load: nil model")
	}
	if got := m.Schema().Fingerprint(); got != s.schema.Fingerprint() {
		return fmt.Errorf("%w: model has [%s], service expects [%s]", ErrIncompatibleModel, got, s.schema.Fingerprint())
	}
	return nil
}

func (s *Service) activated(previous, m *ml.TrainedModel) {
	if s.cache != nil {
		s.cache.Purge()
	}
	s.metrics.ModelLoaded(m.TrainedAt())

	fields := []zap.Field{
		zap.String("model_version", m.Version()),
		zap.String("algorithm", m.Algorithm()),
	}
	if previous != nil {
		fields = append(fields, zap.String("previous_version", previous.Version()))
	}
	s.logger.Info("model loaded", fields...)
}

// HandlePredict runs one batch. The batch is validated as a whole; a
// single bad record rejects the request.
func (s *Service) HandlePredict(ctx context.Context, payload []byte) Response {
	model := s.active.Load()
	if model == nil {
		s.metrics.PredictionServed(CodeModelUnavailable, 0)
		return errorResponse(http.StatusServiceUnavailable, CodeModelUnavailable, ErrModelUnavailable.Error(), nil)
	}

	records, err := decodeBatch(payload)
	if err != nil {
		s.metrics.PredictionServed(CodeMalformedPayload, 0)
		return errorResponse(http.StatusBadRequest, CodeMalformedPayload, err.Error(), nil)
	}
	if s.maxBatch > 0 && len(records) > s.maxBatch {
		s.metrics.PredictionServed(CodeBatchTooLarge, len(records))
		msg := fmt.Sprintf("batch of %d records exceeds the limit of %d", len(records), s.maxBatch)
		return errorResponse(http.StatusBadRequest, CodeBatchTooLarge, msg, nil)
	}

	vectors := make([]ml.FeatureVector, len(records))
	var details []ErrorDetail
	for i, record := range records {
		v, err := ml.Validate(record, s.schema)
		if err != nil {
			details = append(details, describeInvalid(i, err)...)
			continue
		}
		vectors[i] = v
	}
	if len(details) > 0 {
		s.metrics.PredictionServed(CodeValidationFailed, len(records))
		return errorResponse(http.StatusBadRequest, CodeValidationFailed, "one or more records are invalid", details)
	}

	predictions, err := s.predict(model, vectors)
	if err != nil {
		s.logger.Error("prediction failed",
			zap.String("model_version", model.Version()),
			zap.Int("batch_size", len(vectors)),
			zap.Error(err),
		)
		s.metrics.PredictionServed(CodeInternal, len(vectors))
		return errorResponse(http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}

	for _, v := range vectors {
		for _, name := range model.OutOfRange(v) {
			s.metrics.FeatureOutOfRange(name)
		}
	}
	if ce := s.logger.Check(zap.DebugLevel, "predictions served"); ce != nil {
		ce.Write(zap.String("model_version", model.Version()), zap.Int("batch_size", len(vectors)))
	}
	s.metrics.PredictionServed("ok", len(vectors))
	return Response{
		Status: http.StatusOK,
		Body:   PredictBody{Predictions: predictions, ModelVersion: model.Version()},
	}
}

// predict serves cached values where it can and sends the remaining
// vectors to the model in one call.
func (s *Service) predict(model *ml.TrainedModel, vectors []ml.FeatureVector) (ml.PredictionResult, error) {
	if s.cache == nil {
		out, err := ml.Predict(model, vectors)
		if err != nil {
			return nil, err
		}
		return out, checkFinite(out)
	}
	out := make(ml.PredictionResult, len(vectors))
	keys := make([]string, len(vectors))
	var missIdx []int
	var misses []ml.FeatureVector
	for i, v := range vectors {
		keys[i] = cacheKey(model.Version(), v)
		if value, ok := s.cache.Get(keys[i]); ok {
			s.metrics.CacheLookup(true)
			out[i] = value
			continue
		}
		s.metrics.CacheLookup(false)
		missIdx = append(missIdx, i)
		misses = append(misses, v)
	}
	if len(misses) == 0 {
		return out, nil
	}
	computed, err := ml.Predict(model, misses)
	if err != nil {
		return nil, err
	}
	if err := checkFinite(computed); err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = computed[j]
		s.cache.Add(keys[i], computed[j])
	}
	return out, nil
}

func checkFinite(values ml.PredictionResult) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: index %d is %v", ErrNonFinitePrediction, i, v)
		}
	}
	return nil
}

func cacheKey(version string, v ml.FeatureVector) string {
	var b strings.Builder
	b.WriteString(version)
	b.WriteByte('|')
	b.WriteString(v.Schema())
	for i, x := range v.Values() {
		if i == 0 {
			b.WriteByte('|')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
	return b.String()
}

// HandleHealth reports readiness. It has no side effects.
func (s *Service) HandleHealth() Response {
	model := s.active.Load()
	if model == nil {
		return Response{Status: http.StatusOK, Body: HealthBody{Status: StateUninitialized}}
	}
	return Response{Status: http.StatusOK, Body: HealthBody{Status: StateReady, ModelVersion: model.Version()}}
}

func (s *Service) HandleModelInfo() Response {
	model := s.active.Load()
	if model == nil {
		return errorResponse(http.StatusServiceUnavailable, CodeModelUnavailable, ErrModelUnavailable.Error(), nil)
	}
	return Response{Status: http.StatusOK, Body: ModelInfo{
		Version:       model.Version(),
		Algorithm:     model.Algorithm(),
		Schema:        model.Schema(),
		TrainedAt:     model.TrainedAt(),
		FeatureRanges: model.FeatureRanges(),
		Metrics:       model.Metrics(),
	}}
}

func decodeBatch(payload []byte) ([]ml.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var records []ml.RawRecord
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("payload must be a JSON array of objects: %w", err)
	}
	if records == nil {
		return nil, errors.New("payload must be a JSON array of objects")
	}
	if dec.More() {
		return nil, errors.New("unexpected data after the JSON array")
	}
	return records, nil
}

func describeInvalid(index int, err error) []ErrorDetail {
	var invalid *ml.ValidationError
	if !errors.As(err, &invalid) {
		return []ErrorDetail{{Index: index, Reason: err.Error()}}
	}
	details := make([]ErrorDetail, len(invalid.Problems))
	for i, p := range invalid.Problems {
		details[i] = ErrorDetail{Index: index, Field: p.FieldName(), Reason: p.Reason()}
	}
	return details
}

func errorResponse(status int, code, msg string, details []ErrorDetail) Response {
	return Response{Status: status, Body: ErrorBody{Error: msg, Code: code, Details: details}}
}
