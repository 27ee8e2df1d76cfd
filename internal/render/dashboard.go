package render

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/insightdash/internal/dashboard"
	"github.com/user/insightdash/pkg/taskapi"
)

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 100

const (
	maxRows  = 10
	barWidth = 24
	minCell  = 20
)

// Dashboard renders a plan as a grid of bordered cards followed by the
// summary and insights. Cell widths follow the column spans.
func Dashboard(plan dashboard.Plan, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	columns := max(plan.Columns, 1)
	colWidth := max(width/columns, minCell)

	var blocks []string
	for _, row := range plan.Rows() {
		cells := make([]string, 0, len(row))
		for _, e := range row {
			w := colWidth * e.Position.SpanCol
			cells = append(cells, Entry(e, w))
		}
		blocks = append(blocks, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}

	if plan.Summary != "" {
		blocks = append(blocks, summaryStyle.Width(width).Render(plan.Summary))
	}
	if len(plan.Insights) > 0 {
		var b strings.Builder
		b.WriteString(titleStyle.Render("Insights"))
		for _, in := range plan.Insights {
			b.WriteString("\n• ")
			b.WriteString(Markdown(in))
		}
		blocks = append(blocks, b.String())
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

// Entry renders one component as a card of the given outer width.
func Entry(e dashboard.Entry, width int) string {
	inner := max(width-4, 8)

	var body string
	switch e.Kind.Family {
	case dashboard.FamilyError:
		return cardStyle.BorderForeground(lipgloss.Color("196")).Width(width - 2).Render(errorStyle.Render("Error: " + e.Error))
	case dashboard.FamilyChart:
		body = chart(e, inner)
	case dashboard.FamilyTable:
		body = table(e, inner)
	case dashboard.FamilyMetric:
		body = metric(e)
	case dashboard.FamilyList:
		body = list(e)
	default:
		body = mutedStyle.Render(dashboard.RawPreview(e.Dataset, dashboard.RawPreviewRows))
	}
	if failed := datasetError(e.Dataset); failed != "" {
		body = errorStyle.Render(failed)
	}

	title := e.Config.Title
	if title == "" {
		title = e.Config.Type
	}
	head := titleStyle.Render(title)
	if e.Config.Description != "" {
		head += "\n" + mutedStyle.Render(e.Config.Description)
	}
	return cardStyle.Width(width - 2).Render(head + "\n" + body)
}

// Markdown converts HTML text to markdown. Plain text is returned as is.
func Markdown(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		slog.Debug("insight is not valid html", "error", err)
		return s
	}
	return strings.TrimSpace(md)
}

func datasetError(datasets []taskapi.DatasetResult) string {
	for _, ds := range datasets {
		if ds.Error != "" {
			return ds.Error
		}
	}
	return ""
}

// rows flattens the bound datasets.
func rows(e dashboard.Entry) ([]string, []map[string]any) {
	var cols []string
	var data []map[string]any
	for _, ds := range e.Dataset {
		if cols == nil {
			cols = ds.ColumnNames()
		}
		data = append(data, ds.Data...)
	}
	return cols, data
}

// axes returns the label and value columns from the component
// properties, falling back to the first column and the first numeric one.
func axes(e dashboard.Entry, cols []string, data []map[string]any) (x, y string) {
	x, _ = e.Config.Properties["x_axis"].(string)
	y, _ = e.Config.Properties["y_axis"].(string)
	if x == "" && len(cols) > 0 {
		x = cols[0]
	}
	if y == "" && len(data) > 0 {
		for _, c := range cols {
			if c != x && dashboard.IsNumeric(data[0][c]) {
				y = c
				break
			}
		}
	}
	return x, y
}

func chart(e dashboard.Entry, width int) string {
	cols, data := rows(e)
	x, y := axes(e, cols, data)
	if y == "" || len(data) == 0 {
		return table(e, width)
	}

	n := min(len(data), maxRows)
	labels := make([]string, n)
	values := make([]float64, n)
	labelWidth, peak := 0, 0.0
	for i := range n {
		labels[i] = format(data[i][x])
		values[i], _ = dashboard.AsFloat(data[i][y])
		labelWidth = max(labelWidth, lipgloss.Width(labels[i]))
		peak = max(peak, math.Abs(values[i]))
	}
	span := min(barWidth, max(width-labelWidth-12, 4))

	var b strings.Builder
	if e.Kind.Chart != "" && e.Kind.Chart != dashboard.ChartBar {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("(%s chart drawn as bars)", e.Kind.Chart)) + "\n")
	}
	for i := range n {
		length := 0
		if peak > 0 {
			length = int(math.Round(math.Abs(values[i]) / peak * float64(span)))
		}
		fmt.Fprintf(&b, "%-*s %s %s\n", labelWidth, labels[i], barStyle.Render(strings.Repeat("█", length)), format(data[i][y]))
	}
	if len(data) > n {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("… %d more", len(data)-n)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func table(e dashboard.Entry, width int) string {
	cols, data := rows(e)
	if len(cols) == 0 {
		return mutedStyle.Render("No data")
	}
	n := min(len(data), maxRows)

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = lipgloss.Width(c)
		for _, row := range data[:n] {
			widths[i] = max(widths[i], lipgloss.Width(format(row[c])))
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		text := truncate(strings.TrimRight(strings.Join(parts, "  "), " "), width)
		if style != nil {
			return style.Render(text)
		}
		return text
	}

	out := []string{line(cols, &headerStyle)}
	for _, row := range data[:n] {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = format(row[c])
		}
		out = append(out, line(cells, nil))
	}
	if len(data) == 0 {
		out = append(out, mutedStyle.Render("No rows"))
	} else if len(data) > n {
		out = append(out, mutedStyle.Render(fmt.Sprintf("… %d more rows", len(data)-n)))
	}
	return strings.Join(out, "\n")
}

func metric(e dashboard.Entry) string {
	cols, data := rows(e)
	x, y := axes(e, cols, data)
	if len(data) == 0 {
		return mutedStyle.Render("No data")
	}
	if y == "" {
		y = x
	}
	if len(data) == 1 {
		return metricStyle.Render(format(data[0][y])) + "\n" + mutedStyle.Render(y)
	}
	n := min(len(data), dashboard.RawPreviewRows)
	lines := make([]string, 0, n)
	for _, row := range data[:n] {
		lines = append(lines, fmt.Sprintf("%s %s", metricStyle.Render(format(row[y])), mutedStyle.Render(format(row[x]))))
	}
	return strings.Join(lines, "\n")
}

func list(e dashboard.Entry) string {
	cols, data := rows(e)
	if len(data) == 0 {
		return mutedStyle.Render("No items")
	}
	n := min(len(data), maxRows)
	lines := make([]string, 0, n+1)
	for _, row := range data[:n] {
		parts := make([]string, 0, len(cols))
		for _, c := range cols {
			parts = append(parts, format(row[c]))
		}
		lines = append(lines, "• "+strings.Join(parts, " · "))
	}
	if len(data) > n {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("… %d more", len(data)-n)))
	}
	return strings.Join(lines, "\n")
}

// format prints JSON-decoded values; whole floats print without decimals.
func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', 2, 64)
	default:
		return fmt.Sprint(t)
	}
}

func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r)) > width-1 {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}
