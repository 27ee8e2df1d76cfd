package render

import (
	"fmt"
	"strings"

	"github.com/user/insightdash/internal/dashboard"
)

// Text renders a plan without styling, for chat channels that cannot
// show a terminal grid. Entries are listed in grid order.
func Text(plan dashboard.Plan) string {
	var b strings.Builder
	if plan.Summary != "" {
		b.WriteString(Markdown(plan.Summary))
		b.WriteString("\n")
	}
	for _, row := range plan.Rows() {
		for _, e := range row {
			b.WriteString("\n")
			b.WriteString(textEntry(e))
			b.WriteString("\n")
		}
	}
	if len(plan.Insights) > 0 {
		b.WriteString("\nInsights:\n")
		for _, in := range plan.Insights {
			b.WriteString("- ")
			b.WriteString(Markdown(in))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func textEntry(e dashboard.Entry) string {
	if e.Kind.Family == dashboard.FamilyError {
		return "Error: " + e.Error
	}
	title := e.Config.Title
	if title == "" {
		title = e.Config.Type
	}
	lines := []string{title}
	if failed := datasetError(e.Dataset); failed != "" {
		return title + "\nError: " + failed
	}

	cols, data := rows(e)
	x, y := axes(e, cols, data)
	if e.Kind.Family == dashboard.FamilyMetric && y == "" {
		y = x
	}
	switch {
	case len(data) == 0:
		lines = append(lines, "No data")
	case e.Kind.Family == dashboard.FamilyMetric && len(data) == 1 && y != "":
		lines = append(lines, fmt.Sprintf("%s: %s", y, format(data[0][y])))
	case (e.Kind.Family == dashboard.FamilyChart || e.Kind.Family == dashboard.FamilyMetric) && y != "":
		n := min(len(data), maxRows)
		for _, row := range data[:n] {
			lines = append(lines, fmt.Sprintf("%s: %s", format(row[x]), format(row[y])))
		}
		if len(data) > n {
			lines = append(lines, fmt.Sprintf("… %d more", len(data)-n))
		}
	default:
		n := min(len(data), maxRows)
		for _, row := range data[:n] {
			parts := make([]string, 0, len(cols))
			for _, c := range cols {
				parts = append(parts, format(row[c]))
			}
			lines = append(lines, "- "+strings.Join(parts, " | "))
		}
		if len(data) > n {
			lines = append(lines, fmt.Sprintf("… %d more", len(data)-n))
		}
	}
	return strings.Join(lines, "\n")
}
