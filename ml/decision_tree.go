package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	IsLeaf     bool    `json:"is_leaf"`
}

// DecisionTree is a fitted regression tree stored as a flat node array.
// Children always sit after their parent, so Predict terminates.
type DecisionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (dt *DecisionTree) Predict(features []float64) float64 {
	idx := 0
	for {
		node := dt.Nodes[idx]
		if node.IsLeaf || node.FeatureIdx >= len(features) {
			return node.Value
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
	}
}

func (dt *DecisionTree) validate() error {
	if len(dt.Nodes) == 0 {
		return ErrModelNotTrained
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			continue
		}
		if node.FeatureIdx < 0 {
			return fmt.Errorf("node %d: negative feature index", i)
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(dt.Nodes) {
				return fmt.Errorf("node %d: invalid child %d", i, child)
			}
		}
	}
	return nil
}

// TreeParams controls tree growth. Zero values take defaults.
type TreeParams struct {
	MaxDepth        int `json:"max_depth" yaml:"max_depth"`
	MinSamplesSplit int `json:"min_samples_split" yaml:"min_samples_split"`
	MinSamplesLeaf  int `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	// MaxFeatures caps how many features are considered per split; 0 means all.
	MaxFeatures int `json:"max_features" yaml:"max_features"`
}

func (p TreeParams) withDefaults() TreeParams {
	if p.MaxDepth <= 0 {
		p.MaxDepth = 10
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}
	return p
}

type DecisionTreeAlgorithm struct {
	Params TreeParams
}

func (a DecisionTreeAlgorithm) Name() string { return AlgorithmDecisionTree }

func (a DecisionTreeAlgorithm) Fit(ctx context.Context, features [][]float64, targets []float64, rng *rand.Rand) (Predictor, error) {
	if err := checkTrainingData(features, targets); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	indices := make([]int, len(features))
	for i := range indices {
		indices[i] = i
	}
	return growTree(features, targets, indices, a.Params.withDefaults(), rng), nil
}

func checkTrainingData(features [][]float64, targets []float64) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	width := len(features[0])
	if width == 0 {
		return errors.New("feature vectors are empty")
	}
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, expected %d", i, len(row), width)
		}
	}
	return nil
}

type treeBuilder struct {
	features [][]float64
	targets  []float64
	params   TreeParams
	rng      *rand.Rand
	nodes    []TreeNode
}

func growTree(features [][]float64, targets []float64, indices []int, params TreeParams, rng *rand.Rand) *DecisionTree {
	b := &treeBuilder{features: features, targets: targets, params: params, rng: rng}
	b.build(indices, 0)
	return &DecisionTree{Nodes: b.nodes}
}

func (b *treeBuilder) build(indices []int, depth int) int {
	pos := len(b.nodes)
	value := b.mean(indices)
	b.nodes = append(b.nodes, TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      value,
		IsLeaf:     true,
	})
	if depth >= b.params.MaxDepth || len(indices) < b.params.MinSamplesSplit || b.isPure(indices) {
		return pos
	}

	feature, threshold, ok := b.findBestSplit(indices)
	if !ok {
		return pos
	}
	left, right := b.partition(indices, feature, threshold)
	if len(left) < b.params.MinSamplesLeaf || len(right) < b.params.MinSamplesLeaf {
		return pos
	}

	leftPos := b.build(left, depth+1)
	rightPos := b.build(right, depth+1)
	b.nodes[pos] = TreeNode{
		FeatureIdx: feature,
		Threshold:  threshold,
		LeftChild:  leftPos,
		RightChild: rightPos,
		Value:      value,
		IsLeaf:     false,
	}
	return pos
}

// findBestSplit picks the threshold minimising the summed squared error of
// both children, scanning candidate features in sorted order.
func (b *treeBuilder) findBestSplit(indices []int) (int, float64, bool) {
	parentSSE := b.sse(indices)
	bestFeature := -1
	bestThreshold := 0.0
	bestSSE := parentSSE

	sorted := append([]int(nil), indices...)
	for _, featureIdx := range b.candidateFeatures() {
		sort.Slice(sorted, func(i, j int) bool {
			return b.features[sorted[i]][featureIdx] < b.features[sorted[j]][featureIdx]
		})

		var totalSum, totalSq float64
		for _, idx := range sorted {
			y := b.targets[idx]
			totalSum += y
			totalSq += y * y
		}

		var leftSum, leftSq float64
		n := len(sorted)
		for i := 0; i < n-1; i++ {
			y := b.targets[sorted[i]]
			leftSum += y
			leftSq += y * y

			current := b.features[sorted[i]][featureIdx]
			next := b.features[sorted[i+1]][featureIdx]
			if current == next {
				continue
			}
			leftN := float64(i + 1)
			rightN := float64(n - i - 1)
			if int(leftN) < b.params.MinSamplesLeaf || int(rightN) < b.params.MinSamplesLeaf {
				continue
			}
			rightSum := totalSum - leftSum
			rightSq := totalSq - leftSq
			total := (leftSq - leftSum*leftSum/leftN) + (rightSq - rightSum*rightSum/rightN)
			if total < bestSSE {
				bestSSE = total
				bestFeature = featureIdx
				bestThreshold = (current + next) / 2
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func (b *treeBuilder) candidateFeatures() []int {
	count := len(b.features[0])
	k := b.params.MaxFeatures
	if k <= 0 || k >= count || b.rng == nil {
		all := make([]int, count)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return b.rng.Perm(count)[:k]
}

func (b *treeBuilder) partition(indices []int, featureIdx int, threshold float64) ([]int, []int) {
	left := make([]int, 0, len(indices))
	right := make([]int, 0, len(indices))
	for _, idx := range indices {
		if b.features[idx][featureIdx] <= threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	return left, right
}

func (b *treeBuilder) mean(indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	sum := 0.0
	for _, idx := range indices {
		sum += b.targets[idx]
	}
	return sum / float64(len(indices))
}

func (b *treeBuilder) sse(indices []int) float64 {
	mean := b.mean(indices)
	total := 0.0
	for _, idx := range indices {
		diff := b.targets[idx] - mean
		total += diff * diff
	}
	return total
}

func (b *treeBuilder) isPure(indices []int) bool {
	first := b.targets[indices[0]]
	for _, idx := range indices[1:] {
		if b.targets[idx] != first {
			return false
		}
	}
	return true
}
