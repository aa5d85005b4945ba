// Package training splits datasets, fits models and evaluates them on
// held-out records, either inline or as background jobs.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"invpredict/ml"
)

const DefaultTestFraction = 0.2

// Config controls one training run.
type Config struct {
	// TestFraction is the share of records held out for evaluation, in (0,1).
	TestFraction float64 `json:"test_fraction"`
	// RandomSeed makes the split and the algorithm reproducible when set.
	RandomSeed *int64   `json:"random_seed,omitempty"`
	Metrics    []string `json:"metrics,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.TestFraction == 0 {
		c.TestFraction = DefaultTestFraction
	}
	if len(c.Metrics) == 0 {
		c.Metrics = ml.DefaultMetrics()
	}
	return c
}

func (c Config) Validate() error {
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("test fraction %v must be in (0,1)", c.TestFraction)
	}
	for _, name := range c.Metrics {
		if !ml.IsKnownMetric(name) {
			return fmt.Errorf("%w: %s", ml.ErrUnknownMetric, name)
		}
	}
	return nil
}

// InsufficientDataError means the dataset cannot form both partitions.
type InsufficientDataError struct {
	Records int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: need at least 2 records, got %d", e.Records)
}

// Result describes a finished run.
type Result struct {
	Model     *ml.TrainedModel
	Metrics   ml.EvaluationMetrics
	TrainSize int
	TestSize  int
}

type Orchestrator struct {
	algorithm ml.Algorithm
	logger    *zap.Logger
}

func NewOrchestrator(algorithm ml.Algorithm, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{algorithm: algorithm, logger: logger}
}

func (o *Orchestrator) Algorithm() string {
	return o.algorithm.Name()
}

// Train fits on the training partition and evaluates on the test partition.
// The returned model carries the metrics.
func (o *Orchestrator) Train(ctx context.Context, ds ml.Dataset, cfg Config) (*ml.TrainedModel, ml.EvaluationMetrics, error) {
	result, err := o.Run(ctx, ds, cfg)
	if err != nil {
		return nil, nil, err
	}
	return result.Model, result.Metrics, nil
}

func (o *Orchestrator) Run(ctx context.Context, ds ml.Dataset, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ds.Len() < 2 {
		return nil, &InsufficientDataError{Records: ds.Len()}
	}

	trainIdx, testIdx := Split(ds.Len(), cfg.TestFraction, ml.NewRand(cfg.RandomSeed))
	train := ds.Subset(trainIdx)
	test := ds.Subset(testIdx)

	wrapper := ml.NewWrapper(o.algorithm, cfg.RandomSeed)
	model, err := wrapper.Fit(ctx, train)
	if err != nil {
		return nil, err
	}

	predicted, err := wrapper.Predict(model, test.X)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	metrics, err := ml.Evaluate(cfg.Metrics, predicted, test.Y)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	model = model.WithMetrics(metrics)

	o.logger.Info("model trained",
		zap.String("algorithm", model.Algorithm()),
		zap.String("model_version", model.Version()),
		zap.Int("train_size", train.Len()),
		zap.Int("test_size", test.Len()),
		zap.Any("metrics", metrics),
	)

	return &Result{
		Model:     model,
		Metrics:   metrics,
		TrainSize: train.Len(),
		TestSize:  test.Len(),
	}, nil
}

// Split assigns n records to train and test partitions. The test partition
// holds round(testFraction*n) records, clamped to [1, n-1] when n > 1.
func Split(n int, testFraction float64, rng *rand.Rand) (trainIdx, testIdx []int) {
	if n <= 0 {
		return nil, nil
	}
	testSize := int(math.Round(float64(n) * testFraction))
	if n > 1 {
		if testSize < 1 {
			testSize = 1
		}
		if testSize > n-1 {
			testSize = n - 1
		}
	} else {
		testSize = 0
	}

	indices := rng.Perm(n)
	split := n - testSize
	return indices[:split], indices[split:]
}

// IsInsufficientData reports whether err is (or wraps) an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var target *InsufficientDataError
	return errors.As(err, &target)
}
