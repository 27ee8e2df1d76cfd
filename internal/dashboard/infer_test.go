package dashboard

import (
	"encoding/json"
	"testing"

	"github.com/user/insightdash/pkg/taskapi"
)

func TestInferMentalHealthScenario(t *testing.T) {
	ds := taskapi.DatasetResult{
		Columns:  []string{"risk_category", "high_risk_count"},
		Data:     []map[string]any{{"risk_category": "Mental Health", "high_risk_count": 2.0}},
		RowCount: 1,
	}
	cfg := InferComponentConfig(ds)
	if cfg.Type != "metric" {
		t.Errorf("expected metric, got %s", cfg.Type)
	}
	if cfg.Properties["x_axis"] != "risk_category" {
		t.Errorf("expected x_axis risk_category, got %v", cfg.Properties["x_axis"])
	}
	if cfg.Properties["y_axis"] != "high_risk_count" {
		t.Errorf("expected y_axis high_risk_count, got %v", cfg.Properties["y_axis"])
	}
}

func rowsOf(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"team": "t", "score": "3.5"}
	}
	return rows
}

func TestInferComponentConfig(t *testing.T) {
	tests := []struct {
		name string
		ds   taskapi.DatasetResult
		want string
		y    any
	}{
		{"empty", taskapi.DatasetResult{Columns: []string{"a"}}, "table", nil},
		{"text only", taskapi.DatasetResult{Columns: []string{"a", "b"}, Data: []map[string]any{{"a": "x", "b": "y"}}, RowCount: 1}, "table", nil},
		{"few numeric rows", taskapi.DatasetResult{Columns: []string{"team", "score"}, Data: rowsOf(6), RowCount: 6}, "bar_chart", "score"},
		{"ten rows", taskapi.DatasetResult{Columns: []string{"team", "score"}, Data: rowsOf(10)}, "bar_chart", "score"},
		{"many numeric rows", taskapi.DatasetResult{Columns: []string{"team", "score"}, Data: rowsOf(11), RowCount: 11}, "metric", "score"},
		{"json number", taskapi.DatasetResult{Columns: []string{"n"}, Data: []map[string]any{{"n": json.Number("7")}, {"n": json.Number("8")}}}, "bar_chart", nil},
		{"nan string", taskapi.DatasetResult{Columns: []string{"a", "b"}, Data: []map[string]any{{"a": "x", "b": "NaN"}}}, "table", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := InferComponentConfig(tt.ds)
			if cfg.Type != tt.want {
				t.Errorf("expected %s, got %s", tt.want, cfg.Type)
			}
			if cfg.Properties["y_axis"] != tt.y {
				t.Errorf("expected y_axis %v, got %v", tt.y, cfg.Properties["y_axis"])
			}
			if cfg.Properties["inferred"] != true {
				t.Error("expected inferred marker")
			}
		})
	}
}

func TestInferUsesSortedKeysWithoutColumns(t *testing.T) {
	ds := taskapi.DatasetResult{Data: []map[string]any{{"value": 1.0, "label": "a"}, {"value": 2.0, "label": "b"}}}
	cfg := InferComponentConfig(ds)
	if cfg.Properties["x_axis"] != "label" || cfg.Properties["y_axis"] != "value" {
		t.Errorf("unexpected axes %v", cfg.Properties)
	}
}
