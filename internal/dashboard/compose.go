// Package dashboard turns a structured task response into a render plan:
// which renderer family draws each component, with which data, where.
package dashboard

import (
	"fmt"
	"sort"

	"github.com/user/insightdash/pkg/taskapi"
)

// defaultPerRow is the grid width used when a response has no layout.
const defaultPerRow = 2

// Plan is the renderer-ready result of Compose.
type Plan struct {
	Columns  int      `json:"columns"`
	Entries  []Entry  `json:"entries"`
	Summary  string   `json:"summary,omitempty"`
	Insights []string `json:"insights,omitempty"`
}

// Entry is one placed component.
type Entry struct {
	ComponentID string                  `json:"component_id"`
	Kind        Kind                    `json:"kind"`
	Config      taskapi.ComponentConfig `json:"config"`
	Dataset     []taskapi.DatasetResult `json:"dataset"`
	Position    taskapi.Position        `json:"position"`
	Inferred    bool                    `json:"inferred,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// Failed reports whether the plan is a single error entry.
func (p Plan) Failed() bool {
	return len(p.Entries) == 1 && p.Entries[0].Kind.Family == FamilyError
}

// Rows groups entries by grid row, each row ordered by column.
func (p Plan) Rows() [][]Entry {
	entries := append([]Entry(nil), p.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Position, entries[j].Position
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	var rows [][]Entry
	for i, e := range entries {
		if i == 0 || e.Position.Row != entries[i-1].Position.Row {
			rows = append(rows, nil)
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], e)
	}
	return rows
}

// Compose resolves a response into a Plan. It is pure and never panics on
// malformed input: unknown types become Unknown entries, dangling layout
// references are dropped, and a nil or unsuccessful response yields a
// single error entry.
func Compose(resp *taskapi.StructuredResponse) Plan {
	if resp == nil {
		return errorPlan("empty response")
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "the analysis did not succeed"
		}
		return errorPlan(msg)
	}

	var plan Plan
	if resp.MultiComponent() {
		plan = composeMulti(resp)
	} else {
		plan = composeLegacy(resp)
	}
	if resp.Analysis != nil {
		plan.Summary = resp.Analysis.Summary
	}
	for _, in := range resp.Insights {
		if text := in.Text(); text != "" {
			plan.Insights = append(plan.Insights, text)
		}
	}
	return plan
}

func errorPlan(msg string) Plan {
	return Plan{
		Columns: 1,
		Entries: []Entry{{
			ComponentID: "error",
			Kind:        Kind{Family: FamilyError},
			Error:       msg,
			Position:    taskapi.Position{SpanRow: 1, SpanCol: 1},
		}},
	}
}

func composeMulti(resp *taskapi.StructuredResponse) Plan {
	columns := defaultPerRow
	if resp.Layout != nil && resp.Layout.Columns > 0 {
		columns = resp.Layout.Columns
	}

	byID := make(map[string]taskapi.ComponentConfig, len(resp.Components))
	ids := make([]string, len(resp.Components))
	for i, c := range resp.Components {
		id := componentID(c, i)
		ids[i] = id
		if _, dup := byID[id]; !dup {
			byID[id] = c
		}
	}

	var arrangement []taskapi.Arrangement
	if resp.Layout != nil && len(resp.Layout.ComponentArrangement) > 0 {
		arrangement = resp.Layout.ComponentArrangement
	} else {
		arrangement = defaultArrangement(ids)
	}

	plan := Plan{Columns: columns}
	for _, a := range arrangement {
		cfg, ok := byID[a.ComponentID]
		if !ok {
			continue
		}
		plan.Entries = append(plan.Entries, Entry{
			ComponentID: a.ComponentID,
			Kind:        Classify(cfg.Type),
			Config:      cfg,
			Dataset:     bindDataset(resp.Dataset, a.ComponentID),
			Position:    normalize(a.Position, columns),
		})
	}
	return plan
}

// componentID is the declared id, or a positional id for components
// declared without one.
func componentID(c taskapi.ComponentConfig, i int) string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("component_%d", i)
}

func defaultArrangement(ids []string) []taskapi.Arrangement {
	out := make([]taskapi.Arrangement, len(ids))
	for i, id := range ids {
		out[i] = taskapi.Arrangement{
			ComponentID: id,
			Position:    taskapi.Position{Row: i / defaultPerRow, Col: i % defaultPerRow, SpanRow: 1, SpanCol: 1},
		}
	}
	return out
}

// bindDataset gives every component the shared list, or its own keyed
// entry wrapped in a one-element slice.
func bindDataset(ds taskapi.Dataset, id string) []taskapi.DatasetResult {
	switch {
	case ds.Keyed():
		if res, ok := ds.ByComponent[id]; ok {
			return []taskapi.DatasetResult{res}
		}
		return []taskapi.DatasetResult{}
	case ds.List != nil:
		return ds.List
	default:
		return []taskapi.DatasetResult{}
	}
}

func normalize(p taskapi.Position, columns int) taskapi.Position {
	p.Row = max(p.Row, 0)
	p.Col = max(p.Col, 0)
	p.SpanRow = max(p.SpanRow, 1)
	p.SpanCol = min(max(p.SpanCol, 1), max(columns, 1))
	return p
}

// composeLegacy lays out one entry per dataset, one per row. The first
// entry uses the analysis component config when present; the rest are
// inferred.
func composeLegacy(resp *taskapi.StructuredResponse) Plan {
	var explicit *taskapi.ComponentConfig
	if resp.Analysis != nil {
		explicit = resp.Analysis.ComponentConfig
	}

	type item struct {
		id string
		ds taskapi.DatasetResult
	}
	var items []item
	if resp.Dataset.Keyed() {
		keys := make([]string, 0, len(resp.Dataset.ByComponent))
		for k := range resp.Dataset.ByComponent {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, item{id: k, ds: resp.Dataset.ByComponent[k]})
		}
	} else {
		for i, ds := range resp.Dataset.List {
			items = append(items, item{id: fmt.Sprintf("dataset_%d", i), ds: ds})
		}
	}

	plan := Plan{Columns: 1}
	if len(items) == 0 {
		if explicit != nil {
			plan.Entries = append(plan.Entries, Entry{
				ComponentID: "dataset_0",
				Kind:        Classify(explicit.Type),
				Config:      *explicit,
				Dataset:     []taskapi.DatasetResult{},
				Position:    taskapi.Position{SpanRow: 1, SpanCol: 1},
			})
		}
		return plan
	}

	for i, it := range items {
		e := Entry{
			ComponentID: it.id,
			Dataset:     []taskapi.DatasetResult{it.ds},
			Position:    taskapi.Position{Row: i, SpanRow: 1, SpanCol: 1},
		}
		if i == 0 && explicit != nil {
			e.Config = *explicit
		} else {
			e.Config = InferComponentConfig(it.ds)
			e.Inferred = true
		}
		e.Kind = Classify(e.Config.Type)
		plan.Entries = append(plan.Entries, e)
	}
	return plan
}
