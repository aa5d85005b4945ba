package ml

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	AlgorithmRandomForest = "random_forest"
	AlgorithmDecisionTree = "decision_tree"
	AlgorithmLinear       = "linear"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported model type")

// AlgorithmParams is the union of every built-in algorithm's settings.
type AlgorithmParams struct {
	Forest ForestParams `json:"forest" yaml:"forest"`
	Tree   TreeParams   `json:"tree" yaml:"tree"`
	Ridge  float64      `json:"ridge" yaml:"ridge"`
}

func NewAlgorithm(name string, params AlgorithmParams) (Algorithm, error) {
	switch name {
	case AlgorithmRandomForest, "":
		return RandomForestAlgorithm{Params: params.Forest}, nil
	case AlgorithmDecisionTree:
		return DecisionTreeAlgorithm{Params: params.Tree}, nil
	case AlgorithmLinear:
		return LinearAlgorithm{Ridge: params.Ridge}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
	}
}

func encodePredictor(p Predictor) (json.RawMessage, error) {
	switch p.(type) {
	case *RandomForest, *DecisionTree, *LinearModel:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("%w: cannot persist %T", ErrUnsupportedAlgorithm, p)
	}
}

func decodePredictor(algorithm string, params json.RawMessage) (Predictor, error) {
	switch algorithm {
	case AlgorithmRandomForest:
		forest := &RandomForest{}
		if err := json.Unmarshal(params, forest); err != nil {
			return nil, err
		}
		return forest, forest.validate()
	case AlgorithmDecisionTree:
		tree := &DecisionTree{}
		if err := json.Unmarshal(params, tree); err != nil {
			return nil, err
		}
		return tree, tree.validate()
	case AlgorithmLinear:
		linear := &LinearModel{}
		if err := json.Unmarshal(params, linear); err != nil {
			return nil, err
		}
		return linear, linear.validate()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
