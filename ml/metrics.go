package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrUnknownMetric = errors.New("unknown metric")
	ErrNoSamples     = errors.New("no samples to evaluate")
)

// MetricFunc scores predictions against the true targets.
type MetricFunc func(predicted, actual []float64) float64

var metricFuncs = map[string]MetricFunc{
	"mae":  meanAbsoluteError,
	"mse":  meanSquaredError,
	"rmse": rootMeanSquaredError,
	"r2":   rSquared,
}

func DefaultMetrics() []string {
	return []string{"mae", "rmse", "r2"}
}

func KnownMetrics() []string {
	names := make([]string, 0, len(metricFuncs))
	for name := range metricFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsKnownMetric(name string) bool {
	_, ok := metricFuncs[name]
	return ok
}

func Evaluate(names []string, predicted, actual []float64) (EvaluationMetrics, error) {
	if len(predicted) != len(actual) {
		return nil, fmt.Errorf("predicted/actual length mismatch: %d vs %d", len(predicted), len(actual))
	}
	if len(actual) == 0 {
		return nil, ErrNoSamples
	}
	out := make(EvaluationMetrics, len(names))
	for _, name := range names {
		fn, ok := metricFuncs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
		}
		out[name] = fn(predicted, actual)
	}
	return out, nil
}

func meanAbsoluteError(predicted, actual []float64) float64 {
	total := 0.0
	for i := range actual {
		total += math.Abs(predicted[i] - actual[i])
	}
	return total / float64(len(actual))
}

func meanSquaredError(predicted, actual []float64) float64 {
	total := 0.0
	for i := range actual {
		diff := predicted[i] - actual[i]
		total += diff * diff
	}
	return total / float64(len(actual))
}

func rootMeanSquaredError(predicted, actual []float64) float64 {
	return math.Sqrt(meanSquaredError(predicted, actual))
}

// rSquared is 0 when the targets have no variance (e.g. a single held-out
// record), where the coefficient is otherwise undefined.
func rSquared(predicted, actual []float64) float64 {
	if len(actual) < 2 || stat.Variance(actual, nil) == 0 {
		return 0
	}
	return stat.RSquaredFrom(predicted, actual, nil)
}
