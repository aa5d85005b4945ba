package ml

// FeatureRange is the span of a feature observed in a training set.
type FeatureRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within the training range.
func (r FeatureRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func computeFeatureRanges(ds Dataset) map[string]FeatureRange {
	ranges := make(map[string]FeatureRange, len(ds.Schema.Features))
	for i, v := range ds.X {
		for j, name := range ds.Schema.Features {
			value := v.values[j]
			if i == 0 {
				ranges[name] = FeatureRange{Min: value, Max: value}
				continue
			}
			current := ranges[name]
			if value < current.Min {
				current.Min = value
			}
			if value > current.Max {
				current.Max = value
			}
			ranges[name] = current
		}
	}
	return ranges
}

// OutOfRange lists the features of v that fall outside the ranges seen in
// training. Tree models extrapolate flat beyond these bounds.
func (m *TrainedModel) OutOfRange(v FeatureVector) []string {
	var names []string
	for i, name := range m.schema.Features {
		if i >= len(v.values) {
			break
		}
		r, ok := m.ranges[name]
		if ok && !r.Contains(v.values[i]) {
			names = append(names, name)
		}
	}
	return names
}
