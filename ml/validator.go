package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldError is a validation failure attributable to a single field.
type FieldError interface {
	error
	FieldName() string
	Reason() string
}

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

func (e *MissingFieldError) FieldName() string { return e.Field }
func (e *MissingFieldError) Reason() string    { return "required field is missing" }

// TypeError reports a value that cannot be read as a number.
type TypeError struct {
	Field string
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("field %q: expected a number, got %s", e.Field, describeValue(e.Value))
}

func (e *TypeError) FieldName() string { return e.Field }
func (e *TypeError) Reason() string    { return "value is not numeric" }

// InvalidValueError reports a number that is NaN or infinite.
type InvalidValueError struct {
	Field string
	Value float64
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("field %q: value %v is not finite", e.Field, e.Value)
}

func (e *InvalidValueError) FieldName() string { return e.Field }
func (e *InvalidValueError) Reason() string    { return "value is not finite" }

// ValidationError collects every field problem found in one record.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid record: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		errs[i] = p
	}
	return errs
}

// Validate coerces raw into a FeatureVector following schema.Features.
// Fields outside the schema are ignored.
func Validate(raw RawRecord, schema Schema) (FeatureVector, error) {
	values := make([]float64, len(schema.Features))
	var problems []FieldError
	for i, name := range schema.Features {
		v, err := numericField(raw, name)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		values[i] = v
	}
	if len(problems) > 0 {
		return FeatureVector{}, &ValidationError{Problems: problems}
	}
	return FeatureVector{schema: schema.Fingerprint(), values: values}, nil
}

// ValidateTarget reads the schema's target field with the same rules as features.
func ValidateTarget(raw RawRecord, schema Schema) (float64, error) {
	v, err := numericField(raw, schema.Target)
	if err != nil {
		return 0, &ValidationError{Problems: []FieldError{err}}
	}
	return v, nil
}

// RecordError ties a validation failure to the index of the offending record.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// DatasetError lists every record of a training set that failed validation.
type DatasetError struct {
	Records []RecordError
}

func (e *DatasetError) Error() string {
	if len(e.Records) == 1 {
		return "dataset has an invalid record: " + e.Records[0].Error()
	}
	return fmt.Sprintf("dataset has %d invalid records, first: %v", len(e.Records), e.Records[0])
}

// BuildDataset validates features and target of every record. A target that
// is also a feature is reported once, as a feature problem.
func BuildDataset(raws []RawRecord, schema Schema) (Dataset, error) {
	ds := Dataset{
		Schema: schema.clone(),
		X:      make([]FeatureVector, 0, len(raws)),
		Y:      make([]float64, 0, len(raws)),
	}
	var failed []RecordError
	for i, raw := range raws {
		vector, err := Validate(raw, schema)
		var problems []FieldError
		var verr *ValidationError
		if errors.As(err, &verr) {
			problems = append(problems, verr.Problems...)
		}
		var target float64
		if idx := schema.TargetIndex(); idx < 0 {
			var terr FieldError
			if target, terr = numericField(raw, schema.Target); terr != nil {
				problems = append(problems, terr)
			}
		} else if err == nil {
			target = vector.values[idx]
		}
		if len(problems) > 0 {
			failed = append(failed, RecordError{Index: i, Err: &ValidationError{Problems: problems}})
			continue
		}
		ds.X = append(ds.X, vector)
		ds.Y = append(ds.Y, target)
	}
	if len(failed) > 0 {
		return Dataset{}, &DatasetError{Records: failed}
	}
	return ds, nil
}

func numericField(raw RawRecord, name string) (float64, FieldError) {
	value, ok := raw[name]
	if !ok {
		return 0, &MissingFieldError{Field: name}
	}
	f, err := toFloat(value)
	if err != nil {
		return 0, &TypeError{Field: name, Value: value}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &InvalidValueError{Field: name, Value: f}
	}
	return f, nil
}

var errNotNumeric = errors.New("not numeric")

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return parseNumber(string(v))
	case string:
		return parseNumber(strings.TrimSpace(v))
	default:
		return 0, errNotNumeric
	}
}

// parseNumber keeps out-of-range literals as ±Inf so they are reported as
// non-finite rather than non-numeric.
func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return f, nil
	}
	return 0, errNotNumeric
}

func describeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("string %q", v)
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
