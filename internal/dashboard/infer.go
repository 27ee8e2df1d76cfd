package dashboard

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/user/insightdash/pkg/taskapi"
)

const inferredTitle = "Query Results"

// InferComponentConfig picks a visualization for a dataset that arrived
// without one. The first data row decides which columns are numeric:
//
//   - no rows or no numeric column: table
//   - a single row: metric
//   - up to 10 rows: bar_chart
//   - more rows: metric
//
// The x-axis is the first column; the y-axis is the first other column
// holding a numeric or numeric-parseable value.
func InferComponentConfig(ds taskapi.DatasetResult) taskapi.ComponentConfig {
	cols := ds.ColumnNames()
	cfg := taskapi.ComponentConfig{
		Type:       "table",
		Title:      inferredTitle,
		Properties: map[string]any{"inferred": true},
	}
	if len(cols) > 0 {
		cfg.Properties["x_axis"] = cols[0]
	}
	if len(ds.Data) == 0 {
		return cfg
	}

	first := ds.Data[0]
	var numeric []string
	for _, c := range cols {
		if IsNumeric(first[c]) {
			numeric = append(numeric, c)
		}
	}
	if len(numeric) == 0 {
		return cfg
	}
	for _, c := range numeric {
		if c != cols[0] {
			cfg.Properties["y_axis"] = c
			break
		}
	}

	switch rows := ds.Rows(); {
	case rows == 1:
		cfg.Type = "metric"
	case rows <= 10:
		cfg.Type = "bar_chart"
	default:
		cfg.Type = "metric"
	}
	return cfg
}

// IsNumeric reports whether v is a number or a string that parses as a
// finite number.
func IsNumeric(v any) bool {
	_, ok := AsFloat(v)
	return ok
}

// AsFloat converts JSON-decoded numeric values and numeric strings.
func AsFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
