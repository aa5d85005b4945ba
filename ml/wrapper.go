package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyDataset    = errors.New("dataset is empty")
	ErrMissingTargets  = errors.New("dataset targets do not match its records")
	ErrModelNotTrained = errors.New("model not trained")
)

// SchemaMismatchError means a feature vector was validated against a
// different schema than the one the model was trained on.
type SchemaMismatchError struct {
	Index    int
	Expected string
	Got      string
	Length   int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature vector %d does not match model schema: expected [%s], got [%s] with %d values",
		e.Index, e.Expected, e.Got, e.Length)
}

// PredictionResult holds one prediction per input vector, in input order.
type PredictionResult []float64

// EvaluationMetrics maps a metric name to its value on held-out data.
type EvaluationMetrics map[string]float64

func (m EvaluationMetrics) clone() EvaluationMetrics {
	if m == nil {
		return nil
	}
	out := make(EvaluationMetrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TrainedModel is an immutable handle on fitted model parameters.
type TrainedModel struct {
	version   string
	algorithm string
	schema    Schema
	predictor Predictor
	trainedAt time.Time
	ranges    map[string]FeatureRange
	metrics   EvaluationMetrics
}

func (m *TrainedModel) Version() string      { return m.version }
func (m *TrainedModel) Algorithm() string    { return m.algorithm }
func (m *TrainedModel) Schema() Schema       { return m.schema.clone() }
func (m *TrainedModel) TrainedAt() time.Time { return m.trainedAt }

func (m *TrainedModel) FeatureRanges() map[string]FeatureRange {
	out := make(map[string]FeatureRange, len(m.ranges))
	for k, v := range m.ranges {
		out[k] = v
	}
	return out
}

func (m *TrainedModel) Metrics() EvaluationMetrics {
	return m.metrics.clone()
}

// WithMetrics returns a copy of the handle carrying metrics. The receiver is
// left unchanged.
func (m *TrainedModel) WithMetrics(metrics EvaluationMetrics) *TrainedModel {
	out := *m
	out.metrics = metrics.clone()
	return &out
}

// Wrapper binds an Algorithm to an optional seed. It is the only place the
// rest of the service touches a concrete algorithm.
type Wrapper struct {
	algorithm Algorithm
	seed      *int64
}

func NewWrapper(algorithm Algorithm, seed *int64) *Wrapper {
	return &Wrapper{algorithm: algorithm, seed: seed}
}

func (w *Wrapper) Algorithm() string {
	return w.algorithm.Name()
}

// Fit trains a new model on every record of ds.
func (w *Wrapper) Fit(ctx context.Context, ds Dataset) (*TrainedModel, error) {
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if len(ds.Y) != len(ds.X) {
		return nil, ErrMissingTargets
	}
	fingerprint := ds.Schema.Fingerprint()
	for i, v := range ds.X {
		if v.schema != fingerprint || len(v.values) != len(ds.Schema.Features) {
			return nil, &SchemaMismatchError{Index: i, Expected: fingerprint, Got: v.schema, Length: len(v.values)}
		}
	}

	predictor, err := w.algorithm.Fit(ctx, ds.matrix(), append([]float64(nil), ds.Y...), NewRand(w.seed))
	if err != nil {
		return nil, fmt.Errorf("fit %s: %w", w.algorithm.Name(), err)
	}

	return &TrainedModel{
		version:   uuid.NewString(),
		algorithm: w.algorithm.Name(),
		schema:    ds.Schema.clone(),
		predictor: predictor,
		trainedAt: time.Now().UTC(),
		ranges:    computeFeatureRanges(ds),
	}, nil
}

func (w *Wrapper) Predict(m *TrainedModel, features []FeatureVector) (PredictionResult, error) {
	return Predict(m, features)
}

// Predict runs m over every vector. Nothing is predicted unless all vectors
// match the model schema.
func Predict(m *TrainedModel, features []FeatureVector) (PredictionResult, error) {
	if m == nil || m.predictor == nil {
		return nil, ErrModelNotTrained
	}
	fingerprint := m.schema.Fingerprint()
	for i, v := range features {
		if v.schema != fingerprint || len(v.values) != len(m.schema.Features) {
			return nil, &SchemaMismatchError{Index: i, Expected: fingerprint, Got: v.schema, Length: len(v.values)}
		}
	}
	out := make(PredictionResult, len(features))
	for i, v := range features {
		out[i] = m.predictor.Predict(v.values)
	}
	return out, nil
}

// NewRand returns a generator seeded from seed, or from the clock when seed is nil.
func NewRand(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
