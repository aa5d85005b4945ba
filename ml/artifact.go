package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactFormatVersion is bumped whenever the on-disk layout changes.
const ArtifactFormatVersion = 1

var ErrUnsupportedArtifact = errors.New("unsupported artifact format")

type artifact struct {
	FormatVersion int                     `json:"format_version"`
	ModelVersion  string                  `json:"model_version"`
	Algorithm     string                  `json:"algorithm"`
	Schema        Schema                  `json:"schema"`
	TrainedAt     time.Time               `json:"trained_at"`
	FeatureRanges map[string]FeatureRange `json:"feature_ranges"`
	Metrics       EvaluationMetrics       `json:"metrics,omitempty"`
	Params        json.RawMessage         `json:"params"`
}

func MarshalArtifact(m *TrainedModel) ([]byte, error) {
	if m == nil || m.predictor == nil {
		return nil, ErrModelNotTrained
	}
	params, err := encodePredictor(m.predictor)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(artifact{
		FormatVersion: ArtifactFormatVersion,
		ModelVersion:  m.version,
		Algorithm:     m.algorithm,
		Schema:        m.schema,
		TrainedAt:     m.trainedAt,
		FeatureRanges: m.ranges,
		Metrics:       m.metrics,
		Params:        params,
	}, "", "  ")
}

func UnmarshalArtifact(data []byte) (*TrainedModel, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.FormatVersion != ArtifactFormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedArtifact, a.FormatVersion)
	}
	if a.ModelVersion == "" {
		return nil, fmt.Errorf("%w: missing model version", ErrUnsupportedArtifact)
	}
	if err := a.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
	}
	predictor, err := decodePredictor(a.Algorithm, a.Params)
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", a.Algorithm, err)
	}
	return &TrainedModel{
		version:   a.ModelVersion,
		algorithm: a.Algorithm,
		schema:    a.Schema,
		predictor: predictor,
		trainedAt: a.TrainedAt,
		ranges:    a.FeatureRanges,
		metrics:   a.Metrics,
	}, nil
}

// SaveArtifact writes m next to path and renames it into place, so readers
// never see a half-written file.
func SaveArtifact(path string, m *TrainedModel) error {
	payload, err := MarshalArtifact(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadArtifact(path string) (*TrainedModel, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalArtifact(payload)
}
