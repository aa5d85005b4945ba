package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"invpredict/ml"
)

// CleaningRule 清洗规则. Apply returns an error for rows that must be dropped.
type CleaningRule interface {
	Apply(row int, record ml.RawRecord) error
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule    string `json:"rule"`
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// CleaningReport 清洗统计
type CleaningReport struct {
	TotalProcessed int            `json:"total_processed"`
	Passed         int            `json:"passed"`
	Rejected       int            `json:"rejected"`
	IssueCounts    map[string]int `json:"issue_counts"`
	Issues         []QualityIssue `json:"issues,omitempty"`
}

// DataCleaner 数据清洗器. Rules run in order; the first failing rule
// rejects the row.
type DataCleaner struct {
	rules []CleaningRule
}

// NewDataCleaner 创建数据清洗器 with the default rules for schema.
func NewDataCleaner(schema ml.Schema) *DataCleaner {
	fields := append([]string(nil), schema.Features...)
	if schema.TargetIndex() < 0 {
		fields = append(fields, schema.Target)
	}
	return &DataCleaner{rules: []CleaningRule{
		&SchemaRule{Schema: schema},
		&NonNegativeRule{Fields: fields},
		NewDuplicateDetectionRule(fields),
	}}
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean 清洗数据. Rows are numbered from 1, matching the data rows of a CSV.
func (dc *DataCleaner) Clean(records []ml.RawRecord) ([]ml.RawRecord, CleaningReport) {
	report := CleaningReport{IssueCounts: make(map[string]int)}
	cleaned := make([]ml.RawRecord, 0, len(records))
	for i, record := range records {
		row := i + 1
		report.TotalProcessed++
		var issue *QualityIssue
		for _, rule := range dc.rules {
			if err := rule.Apply(row, record); err != nil {
				issue = &QualityIssue{Rule: rule.Name(), Row: row, Message: err.Error()}
				break
			}
		}
		if issue != nil {
			report.Rejected++
			report.IssueCounts[issue.Rule]++
			report.Issues = append(report.Issues, *issue)
			continue
		}
		report.Passed++
		cleaned = append(cleaned, record)
	}
	return cleaned, report
}

// SchemaRule rejects rows whose features or target fail validation.
type SchemaRule struct {
	Schema ml.Schema
}

func (r *SchemaRule) Name() string { return "schema_validation" }

func (r *SchemaRule) Apply(_ int, record ml.RawRecord) error {
	_, featureErr := ml.Validate(record, r.Schema)
	if r.Schema.TargetIndex() >= 0 {
		return featureErr
	}
	_, targetErr := ml.ValidateTarget(record, r.Schema)
	return errors.Join(featureErr, targetErr)
}

// NonNegativeRule 数量验证规则: stock and sales counts cannot be negative.
type NonNegativeRule struct {
	Fields []string
}

func (r *NonNegativeRule) Name() string { return "non_negative" }

func (r *NonNegativeRule) Apply(_ int, record ml.RawRecord) error {
	for _, field := range r.Fields {
		v, ok := numeric(record[field])
		if ok && v < 0 {
			return fmt.Errorf("%s is negative (%v)", field, v)
		}
	}
	return nil
}

// DuplicateDetectionRule 重复检测规则. It remembers every row it has seen,
// so use a fresh cleaner per file.
type DuplicateDetectionRule struct {
	fields []string
	seen   map[string]int
}

func NewDuplicateDetectionRule(fields []string) *DuplicateDetectionRule {
	return &DuplicateDetectionRule{fields: fields, seen: make(map[string]int)}
}

func (r *DuplicateDetectionRule) Name() string { return "duplicate_detection" }

func (r *DuplicateDetectionRule) Apply(row int, record ml.RawRecord) error {
	parts := make([]string, len(r.fields))
	for i, field := range r.fields {
		v, _ := numeric(record[field])
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	key := strings.Join(parts, "|")
	if first, ok := r.seen[key]; ok {
		return fmt.Errorf("duplicate of row %d", first)
	}
	r.seen[key] = row
	return nil
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
