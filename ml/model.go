package ml

import (
	"context"
	"math/rand"
)

// Predictor is a fitted regression function. Implementations must be safe
// for concurrent use and must not change after Fit returns them.
type Predictor interface {
	Predict(features []float64) float64
}

// Algorithm fits a Predictor to a feature matrix and target column.
type Algorithm interface {
	Name() string
	Fit(ctx context.Context, features [][]float64, targets []float64, rng *rand.Rand) (Predictor, error)
}
