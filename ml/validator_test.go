package ml

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKeepsSchemaOrder(t *testing.T) {
	schema := DefaultSchema()
	raw := RawRecord{"stock_level": 50.0, "units_sold": 10.0, "store": "north"}

	vector, err := Validate(raw, schema)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 50}, vector.Values())
	assert.Equal(t, schema.Fingerprint(), vector.Schema())
}

func TestValidateCoercesNumbers(t *testing.T) {
	schema := DefaultSchema()
	tests := []struct {
		name string
		raw  RawRecord
		want []float64
	}{
		{"json numbers", RawRecord{"units_sold": json.Number("12"), "stock_level": json.Number("40.5")}, []float64{12, 40.5}},
		{"ints", RawRecord{"units_sold": 3, "stock_level": int64(7)}, []float64{3, 7}},
		{"numeric strings", RawRecord{"units_sold": " 8 ", "stock_level": "6e1"}, []float64{8, 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vector, err := Validate(tt.raw, schema)
			require.NoError(t, err)
			assert.Equal(t, tt.want, vector.Values())
		})
	}
}

func TestValidateErrors(t *testing.T) {
	schema := DefaultSchema()
	tests := []struct {
		name   string
		raw    RawRecord
		target any
		reason string
	}{
		{"missing", RawRecord{"stock_level": 45.0}, &MissingFieldError{}, "required field is missing"},
		{"string", RawRecord{"units_sold": "many", "stock_level": 45.0}, &TypeError{}, "value is not numeric"},
		{"bool", RawRecord{"units_sold": true, "stock_level": 45.0}, &TypeError{}, "value is not numeric"},
		{"null", RawRecord{"units_sold": nil, "stock_level": 45.0}, &TypeError{}, "value is not numeric"},
		{"nan string", RawRecord{"units_sold": "NaN", "stock_level": 45.0}, &InvalidValueError{}, "value is not finite"},
		{"overflow", RawRecord{"units_sold": json.Number("1e400"), "stock_level": 45.0}, &InvalidValueError{}, "value is not finite"},
		{"infinite float", RawRecord{"units_sold": math.Inf(1), "stock_level": 45.0}, &InvalidValueError{}, "value is not finite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw, schema)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Len(t, verr.Problems, 1)
			assert.Equal(t, "units_sold", verr.Problems[0].FieldName())
			assert.Equal(t, tt.reason, verr.Problems[0].Reason())
			assert.IsType(t, tt.target, verr.Problems[0])
		})
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	_, err := Validate(RawRecord{}, DefaultSchema())

	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Problems, 2)
	assert.Equal(t, "units_sold", verr.Problems[0].FieldName())
	assert.Equal(t, "stock_level", verr.Problems[1].FieldName())
}

var salesSchema = Schema{Features: []string{"units_sold", "stock_level"}, Target: "sales"}

func TestBuildDataset(t *testing.T) {
	raws := []RawRecord{
		{"units_sold": 10.0, "stock_level": 50.0, "sales": 100.0},
		{"units_sold": 12.0, "stock_level": 40.0, "sales": 120.0},
	}
	ds, err := BuildDataset(raws, salesSchema)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, []float64{100, 120}, ds.Y)
	assert.Equal(t, []float64{12, 40}, ds.X[1].Values())
}

func TestBuildDatasetListsBadRecords(t *testing.T) {
	raws := []RawRecord{
		{"units_sold": 10.0, "stock_level": 50.0, "sales": 100.0},
		{"units_sold": 12.0, "stock_level": 40.0},
		{"units_sold": "x", "stock_level": 40.0, "sales": 1.0},
	}
	_, err := BuildDataset(raws, salesSchema)

	var derr *DatasetError
	require.True(t, errors.As(err, &derr))
	require.Len(t, derr.Records, 2)
	assert.Equal(t, 1, derr.Records[0].Index)
	assert.Equal(t, 2, derr.Records[1].Index)

	var missing *MissingFieldError
	require.True(t, errors.As(derr.Records[0].Err, &missing))
	assert.Equal(t, "sales", missing.Field)
}

func TestBuildDatasetTargetIsFeature(t *testing.T) {
	raws := []RawRecord{
		{"units_sold": 10.0, "stock_level": 50.0},
		{"units_sold": 12.0, "stock_level": 40.0},
	}
	ds, err := BuildDataset(raws, DefaultSchema())
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 12}, ds.Y)
	assert.Equal(t, []float64{12, 40}, ds.X[1].Values())

	_, err = BuildDataset([]RawRecord{{"stock_level": 50.0}}, DefaultSchema())
	var derr *DatasetError
	require.True(t, errors.As(err, &derr))
	var verr *ValidationError
	require.True(t, errors.As(derr.Records[0].Err, &verr))
	require.Len(t, verr.Problems, 1)
	assert.Equal(t, "units_sold", verr.Problems[0].FieldName())
}

func TestSchemaValidate(t *testing.T) {
	assert.NoError(t, DefaultSchema().Validate())
	assert.Error(t, Schema{Target: "sales"}.Validate())
	assert.Error(t, Schema{Features: []string{"a", "a"}, Target: "sales"}.Validate())
	assert.NoError(t, Schema{Features: []string{"a"}, Target: "a"}.Validate())
	assert.Equal(t, 0, DefaultSchema().TargetIndex())
	assert.Equal(t, -1, salesSchema.TargetIndex())
	assert.Error(t, Schema{Features: []string{"a"}}.Validate())
}
