package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/simstreams/server/internal/query"
	"github.com/simstreams/server/internal/sim"
)

// refresh renders the full UI program for the current authoritative state,
// the way every successful mutation answers: updated listings, selections,
// and input-field contents for all panes.
func (d *Dispatcher) refresh() *Program {
	store := d.deps.Store
	doc := store.Document()
	sel := store.Selection()
	p := &Program{}

	p.add(Patch{Target: TargetDocumentName, Fields: map[string]string{"name": doc.Name}})

	entityNames := make([]string, len(doc.Entities))
	for i, e := range doc.Entities {
		entityNames[i] = e.Name
	}
	entityPatch := Patch{Target: TargetEntities, Items: entityNames, Fields: map[string]string{"name": ""}}
	if sel.Entity >= 0 {
		entityPatch.Selected = []int{sel.Entity}
		entityPatch.Fields["name"] = doc.Entities[sel.Entity].Name
	}
	p.add(entityPatch)

	compPatch := Patch{Target: TargetComponents, Fields: map[string]string{"name": ""}}
	if sel.Entity >= 0 {
		e := doc.Entities[sel.Entity]
		for _, inst := range e.Components {
			compPatch.Items = append(compPatch.Items, inst.Definition.Name)
		}
		if sel.Component >= 0 && sel.Component < len(e.Components) {
			compPatch.Selected = []int{sel.Component}
			compPatch.Fields["name"] = e.Components[sel.Component].Definition.Name
		}
	}
	p.add(compPatch)

	scope := store.VariableScope()
	varPatch := Patch{
		Target: TargetVariableFields,
		Items:  scope.Keys(),
		Fields: map[string]string{"key": "", "value": ""},
	}
	if sel.VariableField != "" {
		if idx := scope.IndexOf(sel.VariableField); idx >= 0 {
			varPatch.Selected = []int{idx}
			v, _ := scope.Get(sel.VariableField)
			varPatch.Fields["key"] = sel.VariableField
			varPatch.Fields["value"] = formatValue(v)
		}
	}
	p.add(varPatch)

	opNames := make([]string, len(doc.Operators))
	for i, op := range doc.Operators {
		opNames[i] = op.Name
	}
	opPatch := Patch{Target: TargetOperators, Items: opNames, Fields: map[string]string{"name": ""}}
	if sel.Operator >= 0 {
		opPatch.Selected = []int{sel.Operator}
		opPatch.Fields["name"] = doc.Operators[sel.Operator].Name
	}
	p.add(opPatch)

	fieldPatch := Patch{Target: TargetOperatorFields, Fields: map[string]string{"key": "", "value": ""}}
	if sel.Operator >= 0 {
		fields := doc.Operators[sel.Operator].Fields
		fieldPatch.Items = fields.Keys()
		if sel.OperatorField != "" {
			if idx := fields.IndexOf(sel.OperatorField); idx >= 0 {
				fieldPatch.Selected = []int{idx}
				v, _ := fields.Get(sel.OperatorField)
				fieldPatch.Fields["key"] = sel.OperatorField
				fieldPatch.Fields["value"] = formatValue(v)
			}
		}
	}
	p.add(fieldPatch)

	metricNames := d.deps.Recorder.Names()
	metricPatch := Patch{Target: TargetMetrics, Items: metricNames}
	if selected := d.deps.Recorder.Selected(); selected != "" {
		for i, name := range metricNames {
			if name == selected {
				metricPatch.Selected = []int{i}
				break
			}
		}
	}
	p.add(metricPatch)

	return p
}

// simOutputPatch lists the current world state filtered to the entities the
// active query matches, one "key = value" line per snapshot entry, variables
// last.
func (d *Dispatcher) simOutputPatch(q *query.Query) Patch {
	doc := d.deps.Store.Document()
	snap := d.deps.Stepper.Snapshot()

	matched := make(map[string]bool, len(doc.Entities))
	for _, e := range doc.Entities {
		if q == nil || q.Match(sim.EntityScope(e, snap)) {
			matched[e.Name+"."] = true
		}
	}

	lines := []string{fmt.Sprintf("# tick %d", snap.Tick)}
	for _, key := range snap.Keys() {
		prefix, isInstance := instancePrefix(key)
		if isInstance && !matched[prefix] {
			continue
		}
		v, _ := snap.Get(key)
		lines = append(lines, fmt.Sprintf("%s = %s", key, formatValue(v)))
	}
	return Patch{Target: TargetSimOutput, Items: lines}
}

// instancePrefix extracts "Entity." from an "Entity.Component.field" key.
func instancePrefix(key string) (string, bool) {
	i := strings.IndexByte(key, '.')
	if i < 0 {
		return "", false
	}
	return key[:i+1], true
}

// metricValuesPatch shows every metric's recorded series (or probe value).
func (d *Dispatcher) metricValuesPatch(values map[string]any, errs map[string]error) Patch {
	fields := make(map[string]string)
	for name, v := range values {
		fields[name] = formatValue(v)
	}
	for name, err := range errs {
		fields[name] = "error: " + err.Error()
	}
	return Patch{Target: TargetMetricValues, Fields: fields}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}
