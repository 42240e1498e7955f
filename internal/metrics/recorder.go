// Package metrics records named extraction expressions evaluated against
// world snapshots as append-only per-metric time series.
package metrics

import (
	"fmt"

	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/sim"
)

// ExtractionError is isolated per metric: it never aborts a tick or a batch
// extraction, only marks that one metric's value as unavailable.
type ExtractionError struct {
	Field string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: field %q not found in snapshot", e.Field)
}

// Sample is one recorded (tick, value) point.
type Sample struct {
	Tick  int `json:"tick"`
	Value any `json:"value"`
}

type metric struct {
	expr   string
	series []Sample
}

// Recorder holds the registered extraction expressions and their series.
// Series grow only via RecordTick; ExtractAll is a read-only probe.
type Recorder struct {
	order    []*metric
	byExpr   map[string]*metric
	selected string
}

func NewRecorder() *Recorder {
	return &Recorder{byExpr: make(map[string]*metric)}
}

// Add registers an extraction expression. The expression doubles as the
// metric's name and must be unique.
func (r *Recorder) Add(expr string) error {
	if expr == "" {
		return &document.ValidationError{Reason: document.EmptyName, Collection: "metric"}
	}
	if _, ok := r.byExpr[expr]; ok {
		return &document.ValidationError{Reason: document.DuplicateName, Collection: "metric", Name: expr}
	}
	m := &metric{expr: expr}
	r.order = append(r.order, m)
	r.byExpr[expr] = m
	r.selected = expr
	return nil
}

// Remove deregisters a metric and discards its recorded series.
func (r *Recorder) Remove(expr string) error {
	if _, ok := r.byExpr[expr]; !ok {
		return &document.SelectionError{Reason: document.OutOfRange, Collection: "metric"}
	}
	delete(r.byExpr, expr)
	for i, m := range r.order {
		if m.expr == expr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.selected == expr {
		r.selected = ""
		if len(r.order) > 0 {
			r.selected = r.order[0].expr
		}
	}
	return nil
}

func (r *Recorder) Select(expr string) error {
	if _, ok := r.byExpr[expr]; !ok {
		return &document.SelectionError{Reason: document.OutOfRange, Collection: "metric"}
	}
	r.selected = expr
	return nil
}

func (r *Recorder) Selected() string { return r.selected }

// Names returns the metric expressions in registration order.
func (r *Recorder) Names() []string {
	out := make([]string, len(r.order))
	for i, m := range r.order {
		out[i] = m.expr
	}
	return out
}

// Series returns a copy of one metric's recorded samples.
func (r *Recorder) Series(expr string) []Sample {
	m, ok := r.byExpr[expr]
	if !ok {
		return nil
	}
	out := make([]Sample, len(m.series))
	copy(out, m.series)
	return out
}

// AllSeries returns copies of every metric's series keyed by expression.
func (r *Recorder) AllSeries() map[string][]Sample {
	out := make(map[string][]Sample, len(r.order))
	for _, m := range r.order {
		series := make([]Sample, len(m.series))
		copy(series, m.series)
		out[m.expr] = series
	}
	return out
}

// ExtractAll evaluates every expression against the snapshot without touching
// any series. Failures are reported per metric.
func (r *Recorder) ExtractAll(snap *sim.Snapshot) (map[string]any, map[string]error) {
	values := make(map[string]any, len(r.order))
	errs := make(map[string]error)
	for _, m := range r.order {
		v, ok := snap.Resolve(m.expr)
		if !ok {
			errs[m.expr] = &ExtractionError{Field: m.expr}
			continue
		}
		values[m.expr] = document.CloneValue(v)
	}
	return values, errs
}

// RecordTick appends one sample per metric from the snapshot — the only path
// that grows a series. A failing metric records nothing for this tick and is
// reported; the others still record.
func (r *Recorder) RecordTick(snap *sim.Snapshot) map[string]error {
	errs := make(map[string]error)
	for _, m := range r.order {
		v, ok := snap.Resolve(m.expr)
		if !ok {
			errs[m.expr] = &ExtractionError{Field: m.expr}
			continue
		}
		m.series = append(m.series, Sample{Tick: snap.Tick, Value: document.CloneValue(v)})
	}
	return errs
}

// ClearSeries discards every recorded sample while keeping the registered
// metrics, as a simulation reset demands.
func (r *Recorder) ClearSeries() {
	for _, m := range r.order {
		m.series = nil
	}
}
