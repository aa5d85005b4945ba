package ml

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inventoryDataset(t *testing.T, n int) Dataset {
	t.Helper()
	raws := make([]RawRecord, n)
	for i := 0; i < n; i++ {
		units := float64(5 + i%11)
		stock := float64(20 + (i*7)%60)
		raws[i] = RawRecord{
			"units_sold":  units,
			"stock_level": stock,
			"sales":       3*units + 0.5*stock + 2,
		}
	}
	ds, err := BuildDataset(raws, salesSchema)
	require.NoError(t, err)
	return ds
}

func seedPtr(v int64) *int64 { return &v }

func TestWrapperFitPredictLength(t *testing.T) {
	ds := inventoryDataset(t, 40)
	for _, name := range []string{AlgorithmRandomForest, AlgorithmDecisionTree, AlgorithmLinear} {
		t.Run(name, func(t *testing.T) {
			algo, err := NewAlgorithm(name, AlgorithmParams{Forest: ForestParams{Trees: 10}})
			require.NoError(t, err)
			wrapper := NewWrapper(algo, seedPtr(7))

			model, err := wrapper.Fit(context.Background(), ds)
			require.NoError(t, err)
			assert.Equal(t, name, model.Algorithm())
			assert.NotEmpty(t, model.Version())

			predictions, err := wrapper.Predict(model, ds.X[:5])
			require.NoError(t, err)
			assert.Len(t, predictions, 5)

			again, err := wrapper.Predict(model, ds.X[:5])
			require.NoError(t, err)
			assert.Equal(t, predictions, again)
		})
	}
}

func TestWrapperSeededFitIsDeterministic(t *testing.T) {
	ds := inventoryDataset(t, 30)
	algo := RandomForestAlgorithm{Params: ForestParams{Trees: 8, Tree: TreeParams{MaxFeatures: 1}}}

	first, err := NewWrapper(algo, seedPtr(42)).Fit(context.Background(), ds)
	require.NoError(t, err)
	second, err := NewWrapper(algo, seedPtr(42)).Fit(context.Background(), ds)
	require.NoError(t, err)

	p1, err := Predict(first, ds.X)
	require.NoError(t, err)
	p2, err := Predict(second, ds.X)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, first.Version(), second.Version())
}

func TestLinearRecoversCoefficients(t *testing.T) {
	ds := inventoryDataset(t, 50)
	model, err := NewWrapper(LinearAlgorithm{}, nil).Fit(context.Background(), ds)
	require.NoError(t, err)

	linear := model.predictor.(*LinearModel)
	assert.InDelta(t, 3, linear.Coefficients[0], 1e-3)
	assert.InDelta(t, 0.5, linear.Coefficients[1], 1e-3)
	assert.InDelta(t, 2, linear.Intercept, 1e-2)
}

func TestWrapperFitEmptyDataset(t *testing.T) {
	_, err := NewWrapper(LinearAlgorithm{}, nil).Fit(context.Background(), Dataset{Schema: DefaultSchema()})
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestWrapperFitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWrapper(RandomForestAlgorithm{}, nil).Fit(ctx, inventoryDataset(t, 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictSchemaMismatch(t *testing.T) {
	ds := inventoryDataset(t, 10)
	model, err := NewWrapper(LinearAlgorithm{}, nil).Fit(context.Background(), ds)
	require.NoError(t, err)

	other := Schema{Features: []string{"stock_level", "units_sold"}, Target: "sales"}
	vector, err := Validate(RawRecord{"units_sold": 1.0, "stock_level": 2.0}, other)
	require.NoError(t, err)

	_, err = Predict(model, []FeatureVector{ds.X[0], vector})
	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 1, mismatch.Index)

	_, err = Predict(model, []FeatureVector{{}})
	require.True(t, errors.As(err, &mismatch))
}

func TestPredictWithoutModel(t *testing.T) {
	_, err := Predict(nil, nil)
	assert.ErrorIs(t, err, ErrModelNotTrained)
}

func TestTrainedModelIsImmutable(t *testing.T) {
	ds := inventoryDataset(t, 10)
	model, err := NewWrapper(LinearAlgorithm{}, nil).Fit(context.Background(), ds)
	require.NoError(t, err)

	withMetrics := model.WithMetrics(EvaluationMetrics{"mae": 1})
	assert.Nil(t, model.Metrics())
	assert.Equal(t, EvaluationMetrics{"mae": 1}, withMetrics.Metrics())
	assert.Equal(t, model.Version(), withMetrics.Version())

	schema := model.Schema()
	schema.Features[0] = "changed"
	assert.Equal(t, "units_sold", model.Schema().Features[0])

	ranges := model.FeatureRanges()
	assert.Equal(t, FeatureRange{Min: 5, Max: 14}, ranges["units_sold"])
}

func TestOutOfRange(t *testing.T) {
	ds := inventoryDataset(t, 10)
	model, err := NewWrapper(LinearAlgorithm{}, nil).Fit(context.Background(), ds)
	require.NoError(t, err)

	inside, err := Validate(RawRecord{"units_sold": 6.0, "stock_level": 30.0}, DefaultSchema())
	require.NoError(t, err)
	assert.Empty(t, model.OutOfRange(inside))

	outside, err := Validate(RawRecord{"units_sold": 100.0, "stock_level": 30.0}, DefaultSchema())
	require.NoError(t, err)
	assert.Equal(t, []string{"units_sold"}, model.OutOfRange(outside))
}

func TestEvaluate(t *testing.T) {
	metrics, err := Evaluate([]string{"mae", "mse", "rmse", "r2"}, []float64{1, 2, 3}, []float64{1, 2, 5})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, metrics["mae"], 1e-9)
	assert.InDelta(t, 4.0/3, metrics["mse"], 1e-9)
	assert.InDelta(t, math.Sqrt(4.0/3), metrics["rmse"], 1e-9)
	assert.Less(t, metrics["r2"], 1.0)

	single, err := Evaluate([]string{"r2"}, []float64{3}, []float64{4})
	require.NoError(t, err)
	assert.Equal(t, 0.0, single["r2"])

	_, err = Evaluate([]string{"accuracy"}, []float64{1}, []float64{1})
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = Evaluate([]string{"mae"}, nil, nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}
