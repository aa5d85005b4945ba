package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// LinearModel is y = Intercept + Coefficients·x.
type LinearModel struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

func (m *LinearModel) Predict(features []float64) float64 {
	y := m.Intercept
	for i, c := range m.Coefficients {
		if i >= len(features) {
			break
		}
		y += c * features[i]
	}
	return y
}

func (m *LinearModel) validate() error {
	if len(m.Coefficients) == 0 {
		return ErrModelNotTrained
	}
	if math.IsNaN(m.Intercept) || math.IsInf(m.Intercept, 0) {
		return errors.New("intercept is not finite")
	}
	for i, c := range m.Coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("coefficient %d is not finite", i)
		}
	}
	return nil
}

// LinearAlgorithm solves ridge-regularised least squares on centred data,
// leaving the intercept unpenalised. A small Ridge keeps tiny or collinear
// training sets solvable.
type LinearAlgorithm struct {
	Ridge float64
}

const defaultRidge = 1e-6

func (a LinearAlgorithm) Name() string { return AlgorithmLinear }

func (a LinearAlgorithm) Fit(ctx context.Context, features [][]float64, targets []float64, _ *rand.Rand) (Predictor, error) {
	if err := checkTrainingData(features, targets); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ridge := a.Ridge
	if ridge <= 0 {
		ridge = defaultRidge
	}

	n, p := len(features), len(features[0])
	means := make([]float64, p)
	column := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			column[i] = features[i][j]
		}
		means[j] = stat.Mean(column, nil)
	}
	yMean := stat.Mean(targets, nil)

	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, features[i][j]-means[j])
		}
		y.SetVec(i, targets[i]-yMean)
	}

	var gram mat.Dense
	gram.Mul(x.T(), x)
	for j := 0; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+ridge)
	}
	var rhs mat.VecDense
	rhs.MulVec(x.T(), y)

	var beta mat.VecDense
	if err := beta.SolveVec(&gram, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("solve normal equations: %w", err)
		}
	}

	model := &LinearModel{Coefficients: make([]float64, p)}
	model.Intercept = yMean
	for j := 0; j < p; j++ {
		model.Coefficients[j] = beta.AtVec(j)
		model.Intercept -= model.Coefficients[j] * means[j]
	}
	if err := model.validate(); err != nil {
		return nil, err
	}
	return model, nil
}
