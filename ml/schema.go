package ml

import (
	"errors"
	"fmt"
	"strings"
)

// Schema names the features a model consumes, in order, and the training target.
type Schema struct {
	Features []string `json:"features" yaml:"features"`
	Target   string   `json:"target" yaml:"target"`
}

func DefaultSchema() Schema {
	return Schema{
		Features: []string{"units_sold", "stock_level"},
		Target:   "units_sold",
	}
}

// Fingerprint identifies the feature order. Two schemas with the same
// fingerprint produce interchangeable feature vectors.
func (s Schema) Fingerprint() string {
	return strings.Join(s.Features, ",")
}

func (s Schema) Validate() error {
	if len(s.Features) == 0 {
		return errors.New("schema has no features")
	}
	seen := make(map[string]struct{}, len(s.Features))
	for _, name := range s.Features {
		if strings.TrimSpace(name) == "" {
			return errors.New("schema has an empty feature name")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("schema lists feature %q twice", name)
		}
		seen[name] = struct{}{}
	}
	if strings.TrimSpace(s.Target) == "" {
		return errors.New("schema has no target")
	}
	return nil
}

// TargetIndex is the position of the target among the features, or -1 when
// the target is a separate column.
func (s Schema) TargetIndex() int {
	for i, name := range s.Features {
		if name == s.Target {
			return i
		}
	}
	return -1
}

func (s Schema) clone() Schema {
	return Schema{
		Features: append([]string(nil), s.Features...),
		Target:   s.Target,
	}
}

// RawRecord is one untyped input row, as decoded from JSON or CSV.
type RawRecord map[string]any

// FeatureVector holds validated feature values in schema order. Only the
// validator builds them, so a vector always matches the schema it was
// validated against.
type FeatureVector struct {
	schema string
	values []float64
}

func (v FeatureVector) Values() []float64 {
	return append([]float64(nil), v.values...)
}

func (v FeatureVector) Len() int {
	return len(v.values)
}

// Schema returns the fingerprint of the schema the vector was validated against.
func (v FeatureVector) Schema() string {
	return v.schema
}

// Dataset is an ordered set of feature vectors with one target per vector.
type Dataset struct {
	Schema Schema
	X      []FeatureVector
	Y      []float64
}

func (d Dataset) Len() int {
	return len(d.X)
}

// Subset returns the records at the given indices, in that order.
func (d Dataset) Subset(indices []int) Dataset {
	out := Dataset{
		Schema: d.Schema,
		X:      make([]FeatureVector, len(indices)),
		Y:      make([]float64, len(indices)),
	}
	for i, idx := range indices {
		out.X[i] = d.X[idx]
		out.Y[i] = d.Y[idx]
	}
	return out
}

func (d Dataset) matrix() [][]float64 {
	rows := make([][]float64, len(d.X))
	for i, v := range d.X {
		rows[i] = v.values
	}
	return rows
}
