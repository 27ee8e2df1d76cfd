package dashboard

import "strings"

// Family is the renderer family a component resolves to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyChart
	FamilyTable
	FamilyMetric
	FamilyList
	FamilyError
)

func (f Family) String() string {
	switch f {
	case FamilyChart:
		return "chart"
	case FamilyTable:
		return "table"
	case FamilyMetric:
		return "metric"
	case FamilyList:
		return "list"
	case FamilyError:
		return "error"
	default:
		return "unknown"
	}
}

func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ChartKind narrows the chart family.
type ChartKind string

const (
	ChartBar     ChartKind = "bar"
	ChartLine    ChartKind = "line"
	ChartPie     ChartKind = "pie"
	ChartArea    ChartKind = "area"
	ChartScatter ChartKind = "scatter"
	ChartGeneric ChartKind = "generic"
)

// Kind is the resolved type of a component: one of Chart(ChartKind),
// Table, Metric, List, Error or Unknown. Raw keeps the original tag.
type Kind struct {
	Family Family    `json:"family"`
	Chart  ChartKind `json:"chart,omitempty"`
	Raw    string    `json:"raw,omitempty"`
}

func (k Kind) String() string {
	if k.Family == FamilyChart {
		return "chart(" + string(k.Chart) + ")"
	}
	if k.Family == FamilyUnknown {
		return "unknown(" + k.Raw + ")"
	}
	return k.Family.String()
}

// Classify maps a component type tag to its Kind by case-insensitive
// substring match, checked in order: chart, table, metric, list.
// Anything else is Unknown and renders as raw rows.
func Classify(typ string) Kind {
	t := strings.ToLower(typ)
	k := Kind{Raw: typ}
	switch {
	case containsAny(t, "chart", "bar", "line", "pie"):
		k.Family = FamilyChart
		k.Chart = chartKind(t)
	case strings.Contains(t, "table"):
		k.Family = FamilyTable
	case containsAny(t, "metric", "card", "stat"):
		k.Family = FamilyMetric
	case strings.Contains(t, "list"):
		k.Family = FamilyList
	default:
		k.Family = FamilyUnknown
	}
	return k
}

func chartKind(t string) ChartKind {
	switch {
	case strings.Contains(t, "bar"):
		return ChartBar
	case strings.Contains(t, "line"):
		return ChartLine
	case containsAny(t, "pie", "donut", "doughnut"):
		return ChartPie
	case strings.Contains(t, "area"):
		return ChartArea
	case strings.Contains(t, "scatter"):
		return ChartScatter
	default:
		return ChartGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
