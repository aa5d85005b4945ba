package ml

import (
	"context"
	"fmt"
	"math/rand"
)

// RandomForest averages the predictions of independently grown trees.
type RandomForest struct {
	Trees []DecisionTree `json:"trees"`
}

func (f *RandomForest) Predict(features []float64) float64 {
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].Predict(features)
	}
	return sum / float64(len(f.Trees))
}

func (f *RandomForest) validate() error {
	if len(f.Trees) == 0 {
		return ErrModelNotTrained
	}
	for i := range f.Trees {
		if err := f.Trees[i].validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

type ForestParams struct {
	Trees int        `json:"trees" yaml:"trees"`
	Tree  TreeParams `json:"tree" yaml:"tree"`
	// DisableBootstrap grows every tree on the full training set.
	DisableBootstrap bool `json:"disable_bootstrap" yaml:"disable_bootstrap"`
}

type RandomForestAlgorithm struct {
	Params ForestParams
}

func (a RandomForestAlgorithm) Name() string { return AlgorithmRandomForest }

// Fit grows the trees sequentially from one generator so a seeded run is
// reproducible. Cancellation is checked between trees.
func (a RandomForestAlgorithm) Fit(ctx context.Context, features [][]float64, targets []float64, rng *rand.Rand) (Predictor, error) {
	if err := checkTrainingData(features, targets); err != nil {
		return nil, err
	}
	count := a.Params.Trees
	if count <= 0 {
		count = 100
	}
	params := a.Params.Tree.withDefaults()

	n := len(features)
	forest := &RandomForest{Trees: make([]DecisionTree, 0, count)}
	for t := 0; t < count; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		indices := make([]int, n)
		for i := range indices {
			if a.Params.DisableBootstrap {
				indices[i] = i
			} else {
				indices[i] = rng.Intn(n)
			}
		}
		forest.Trees = append(forest.Trees, *growTree(features, targets, indices, params, rng))
	}
	return forest, nil
}
