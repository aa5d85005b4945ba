package pipeline

import (
	"testing"

	"invpredict/ml"
)

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner(ml.DefaultSchema())
	if cleaner == nil {
		t.Fatal("NewDataCleaner returned nil")
	}

	if len(cleaner.rules) == 0 {
		t.Error("No default rules added")
	}
}

func TestSchemaRule(t *testing.T) {
	rule := &SchemaRule{Schema: ml.DefaultSchema()}

	tests := []struct {
		name    string
		record  ml.RawRecord
		wantErr bool
	}{
		{
			name:    "valid record",
			record:  ml.RawRecord{"units_sold": "10", "stock_level": "50", "sales": "100"},
			wantErr: false,
		},
		{
			name:    "missing target",
			record:  ml.RawRecord{"units_sold": "10", "stock_level": "50"},
			wantErr: true,
		},
		{
			name:    "non-numeric feature",
			record:  ml.RawRecord{"units_sold": "ten", "stock_level": "50", "sales": "100"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Apply(1, tt.record)
			if (err != nil) != tt.wantErr {
				t.Errorf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNonNegativeRule(t *testing.T) {
	rule := &NonNegativeRule{Fields: []string{"units_sold", "stock_level"}}

	if err := rule.Apply(1, ml.RawRecord{"units_sold": "0", "stock_level": 3.0}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := rule.Apply(2, ml.RawRecord{"units_sold": "-1", "stock_level": "3"}); err == nil {
		t.Error("expected negative units_sold to be rejected")
	}
}

func TestDuplicateDetectionRule(t *testing.T) {
	rule := NewDuplicateDetectionRule([]string{"units_sold", "sales"})

	if err := rule.Apply(1, ml.RawRecord{"units_sold": "10", "sales": "100"}); err != nil {
		t.Fatalf("first occurrence rejected: %v", err)
	}
	if err := rule.Apply(2, ml.RawRecord{"units_sold": "10.0", "sales": "100"}); err == nil {
		t.Error("expected duplicate to be rejected")
	}
	if err := rule.Apply(3, ml.RawRecord{"units_sold": "11", "sales": "100"}); err != nil {
		t.Errorf("distinct row rejected: %v", err)
	}
}

func TestCleanReport(t *testing.T) {
	cleaner := NewDataCleaner(ml.DefaultSchema())
	records := []ml.RawRecord{
		{"units_sold": "10", "stock_level": "50", "sales": "100"},
		{"units_sold": "10", "stock_level": "50", "sales": "100"},
		{"units_sold": "-2", "stock_level": "50", "sales": "100"},
		{"stock_level": "50", "sales": "100"},
		{"units_sold": "12", "stock_level": "40", "sales": "118"},
	}

	cleaned, report := cleaner.Clean(records)

	if len(cleaned) != 2 {
		t.Fatalf("expected 2 rows to pass, got %d", len(cleaned))
	}
	if report.TotalProcessed != 5 || report.Passed != 2 || report.Rejected != 3 {
		t.Errorf("unexpected counts: %+v", report)
	}
	for _, rule := range []string{"duplicate_detection", "non_negative", "schema_validation"} {
		if report.IssueCounts[rule] != 1 {
			t.Errorf("expected one %s issue, got %d", rule, report.IssueCounts[rule])
		}
	}
	if report.Issues[0].Row != 2 {
		t.Errorf("expected first issue on row 2, got %d", report.Issues[0].Row)
	}
}
