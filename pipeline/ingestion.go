// Package pipeline turns CSV exports into training datasets.
package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"invpredict/ml"
)

var ErrNoHeader = errors.New("csv has no header row")

// IngestionConfig 数据摄取配置
type IngestionConfig struct {
	// Encoding is a WHATWG label such as "utf-8", "gbk" or "windows-1252".
	Encoding string `yaml:"encoding"`
	// Comma is the field delimiter; defaults to ','.
	Comma string `yaml:"comma"`
}

// ReadCSV reads a header row followed by data rows. Each row becomes a
// RawRecord keyed by header name; empty cells are left out so the
// validator reports them as missing.
func ReadCSV(r io.Reader, cfg IngestionConfig) ([]ml.RawRecord, error) {
	decoded, err := decode(r, cfg.Encoding)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	if cfg.Comma != "" {
		comma := []rune(cfg.Comma)
		if len(comma) != 1 {
			return nil, fmt.Errorf("delimiter %q must be a single character", cfg.Comma)
		}
		reader.Comma = comma[0]
	}

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	var records []ml.RawRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(records)+1, err)
		}
		record := make(ml.RawRecord, len(header))
		for i, cell := range row {
			if i >= len(header) {
				break
			}
			cell = strings.TrimSpace(cell)
			if cell == "" || header[i] == "" {
				continue
			}
			record[header[i]] = cell
		}
		records = append(records, record)
	}
	return records, nil
}

func decode(r io.Reader, encoding string) (io.Reader, error) {
	if encoding == "" {
		return r, nil
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", encoding, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// DataIngester loads CSV files into cleaned datasets.
type DataIngester struct {
	config IngestionConfig
	schema ml.Schema
	logger *zap.Logger
}

// NewDataIngester 创建数据摄取器
func NewDataIngester(config IngestionConfig, schema ml.Schema, logger *zap.Logger) *DataIngester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataIngester{
		config: config,
		schema: schema,
		logger: logger,
	}
}

// Load reads path and returns the rows that pass cleaning as a dataset,
// along with the report of what was dropped.
func (di *DataIngester) Load(path string) (ml.Dataset, CleaningReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return ml.Dataset{}, CleaningReport{}, err
	}
	defer f.Close()
	return di.Read(f)
}

func (di *DataIngester) Read(r io.Reader) (ml.Dataset, CleaningReport, error) {
	records, err := ReadCSV(r, di.config)
	if err != nil {
		return ml.Dataset{}, CleaningReport{}, err
	}
	cleaned, report := NewDataCleaner(di.schema).Clean(records)
	if report.Rejected > 0 {
		di.logger.Warn("dropped rows during cleaning",
			zap.Int("total", report.TotalProcessed),
			zap.Int("rejected", report.Rejected),
			zap.Any("issues", report.IssueCounts),
		)
	}
	ds, err := ml.BuildDataset(cleaned, di.schema)
	if err != nil {
		return ml.Dataset{}, report, err
	}
	di.logger.Info("dataset loaded", zap.Int("records", ds.Len()))
	return ds, report, nil
}
