package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/metrics"
	"github.com/simstreams/server/internal/scripting"
	"github.com/simstreams/server/internal/sim"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log := zap.NewNop()

	engine, err := scripting.NewEngine("", log)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	store := document.NewStore("ECS Config", log)
	stepper := sim.NewStepper(store, engine, time.Second, log)
	recorder := metrics.NewRecorder()

	deps := &Deps{
		Store:    store,
		Stepper:  stepper,
		Recorder: recorder,
		SaveDir:  t.TempDir(),
		Log:      log,
	}
	return New(deps, t.TempDir())
}

func dispatchOK(t *testing.T, d *Dispatcher, req *Request) *Program {
	t.Helper()
	resp := d.Dispatch(context.Background(), req)
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Patch)
	return resp.Patch
}

func dispatchErr(t *testing.T, d *Dispatcher, req *Request) string {
	t.Helper()
	resp := d.Dispatch(context.Background(), req)
	require.NotEmpty(t, resp.Error)
	require.Nil(t, resp.Patch)
	return resp.Error
}

func findPatch(t *testing.T, p *Program, target Target) Patch {
	t.Helper()
	for _, patch := range p.Patches {
		if patch.Target == target {
			return patch
		}
	}
	t.Fatalf("no %s patch in program", target)
	return Patch{}
}

// The authoring-to-execution walkthrough: build Agent1/Position/x=0, keep the
// default all=True query, register the Position.x metric, step once.
func TestAuthoringScenario(t *testing.T) {
	d := newTestDispatcher(t)

	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(0)})
	dispatchOK(t, d, &Request{Op: "operator.add", Name: "move"})
	dispatchOK(t, d, &Request{Op: "operator.field.rename", NewKey: "formula",
		NewValue: "Agent1_Position_x = Agent1_Position_x + 1"})
	dispatchOK(t, d, &Request{Op: "metric.add", Expression: "Position.x"})

	require.Equal(t, "all=True", d.ActiveQuery())

	p := dispatchOK(t, d, &Request{Op: "sim.step"})
	out := findPatch(t, p, TargetSimOutput)
	require.Equal(t, "# tick 1", out.Items[0])
	require.Contains(t, out.Items, "Agent1.Position.x = 1")

	series := d.deps.Recorder.Series("Position.x")
	require.Len(t, series, 1)
	require.Equal(t, 1, series[0].Tick)
	require.Equal(t, float64(1), series[0].Value)

	// Three more ticks in one request.
	dispatchOK(t, d, &Request{Op: "sim.step", Ticks: 3})
	require.Equal(t, 4, d.deps.Stepper.Snapshot().Tick)
	require.Len(t, d.deps.Recorder.Series("Position.x"), 4)
}

func TestRefreshProgramShape(t *testing.T) {
	d := newTestDispatcher(t)
	p := dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})

	doc := findPatch(t, p, TargetDocumentName)
	require.Equal(t, "ECS Config", doc.Fields["name"])

	ents := findPatch(t, p, TargetEntities)
	require.Equal(t, []string{"Agent1"}, ents.Items)
	require.Equal(t, []int{0}, ents.Selected)
	require.Equal(t, "Agent1", ents.Fields["name"])

	findPatch(t, p, TargetComponents)
	findPatch(t, p, TargetVariableFields)
	findPatch(t, p, TargetOperators)
	findPatch(t, p, TargetOperatorFields)
	findPatch(t, p, TargetMetrics)
}

func TestUnknownOperation(t *testing.T) {
	d := newTestDispatcher(t)
	err := dispatchErr(t, d, &Request{Op: "entity.explode"})
	require.Contains(t, err, "unknown operation")
}

func TestValidationErrorsSurface(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})

	msg := dispatchErr(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	require.Contains(t, msg, "Agent1")

	// Failed requests change nothing.
	require.Len(t, d.deps.Store.Document().Entities, 1)
}

func TestQueryApply(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(0)})
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent2"})

	p := dispatchOK(t, d, &Request{Op: "query.apply", Query: "x = 0"})
	require.Equal(t, "x = 0", d.ActiveQuery())
	out := findPatch(t, p, TargetSimOutput)
	require.Contains(t, out.Items, "Agent1.Position.x = 0")

	msg := dispatchErr(t, d, &Request{Op: "query.apply", Query: "x = ="})
	require.Contains(t, msg, "syntax error")
	// A rejected query leaves the active one in place.
	require.Equal(t, "x = 0", d.ActiveQuery())
}

func TestStepFailureFaultsUntilReset(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(0)})
	dispatchOK(t, d, &Request{Op: "operator.add", Name: "bad"})
	dispatchOK(t, d, &Request{Op: "operator.field.rename", NewKey: "formula", NewValue: `error("nope")`})

	dispatchErr(t, d, &Request{Op: "sim.step"})
	require.Equal(t, 0, d.deps.Stepper.Snapshot().Tick)

	msg := dispatchErr(t, d, &Request{Op: "sim.step"})
	require.Contains(t, msg, "reset")

	dispatchOK(t, d, &Request{Op: "sim.reset"})
	require.Equal(t, 0, d.deps.Stepper.Snapshot().Tick)
}

func TestResetClearsSeries(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(0)})
	dispatchOK(t, d, &Request{Op: "metric.add", Expression: "Position.x"})
	dispatchOK(t, d, &Request{Op: "sim.step", Ticks: 2})
	require.Len(t, d.deps.Recorder.Series("Position.x"), 2)

	dispatchOK(t, d, &Request{Op: "sim.reset"})
	require.Empty(t, d.deps.Recorder.Series("Position.x"))
	require.Equal(t, []string{"Position.x"}, d.deps.Recorder.Names())
}

func TestMetricExtractAll(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(7)})
	dispatchOK(t, d, &Request{Op: "metric.add", Expression: "Position.x"})
	dispatchOK(t, d, &Request{Op: "metric.add", Expression: "missing.y"})

	p := dispatchOK(t, d, &Request{Op: "metric.extractAll"})
	vals := findPatch(t, p, TargetMetricValues)
	require.Equal(t, "7", vals.Fields["Position.x"])
	require.Contains(t, vals.Fields["missing.y"], "error")

	// Probing records nothing.
	require.Empty(t, d.deps.Recorder.Series("Position.x"))
}

func TestMetricSaveResults(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(0)})
	dispatchOK(t, d, &Request{Op: "metric.add", Expression: "Position.x"})
	dispatchOK(t, d, &Request{Op: "operator.add", Name: "move"})
	dispatchOK(t, d, &Request{Op: "operator.field.rename", NewKey: "formula",
		NewValue: "Agent1_Position_x = Agent1_Position_x + 1"})
	dispatchOK(t, d, &Request{Op: "sim.step", Ticks: 2})

	dispatchOK(t, d, &Request{Op: "metric.saveResults"})

	entries, err := os.ReadDir(d.resultsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ECS Config_step_2_results.json", entries[0].Name())
}

func TestPlotWithoutPlotter(t *testing.T) {
	d := newTestDispatcher(t)
	msg := dispatchErr(t, d, &Request{Op: "metric.plot", Visualization: "line"})
	require.Contains(t, msg, "not available")
}

func TestDocumentSaveAndLoad(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "document.updateName", Name: "Sim One"})
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(3)})

	p := dispatchOK(t, d, &Request{Op: "document.save"})
	dl := findPatch(t, p, TargetDownload)
	require.Equal(t, "Sim One.lua", dl.Fields["filename"])
	require.True(t, strings.HasPrefix(dl.Fields["content"], "-- Generated Lua file"))

	saved, err := os.ReadFile(filepath.Join(d.deps.SaveDir, "Sim One.lua"))
	require.NoError(t, err)
	require.Equal(t, dl.Fields["content"], string(saved))

	// Load into a fresh dispatcher.
	d2 := newTestDispatcher(t)
	p = dispatchOK(t, d2, &Request{Op: "document.load", Content: string(saved)})
	ents := findPatch(t, p, TargetEntities)
	require.Equal(t, []string{"Agent1"}, ents.Items)
	require.Equal(t, "Sim One", d2.deps.Store.Document().Name)

	v, ok := d2.deps.Stepper.Snapshot().Resolve("Position.x")
	require.True(t, ok)
	require.Equal(t, float64(3), v)
}

func TestDocumentSaveYAML(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})

	p := dispatchOK(t, d, &Request{Op: "document.save", Format: "yaml"})
	dl := findPatch(t, p, TargetDownload)
	require.Equal(t, "ECS Config.yaml", dl.Fields["filename"])
	require.Contains(t, dl.Fields["content"], "format_version: 1")

	msg := dispatchErr(t, d, &Request{Op: "document.save", Format: "xml"})
	require.Contains(t, msg, "unknown format")
}

func TestComponentSaveAndUpload(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
	dispatchOK(t, d, &Request{Op: "component.add", Name: "Position"})
	dispatchOK(t, d, &Request{Op: "variable.field.add", Key: "x", Value: float64(5)})

	p := dispatchOK(t, d, &Request{Op: "component.save"})
	dl := findPatch(t, p, TargetDownload)
	require.Equal(t, "Position.lua", dl.Fields["filename"])

	// Uploading it back dedups the definition name.
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent2"})
	p = dispatchOK(t, d, &Request{Op: "component.upload", Content: dl.Fields["content"]})
	comps := findPatch(t, p, TargetComponents)
	require.Equal(t, []string{"Position_1"}, comps.Items)
}

func TestBusyGate(t *testing.T) {
	d := newTestDispatcher(t)
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := d.Dispatch(context.Background(), &Request{Op: "entity.add", Name: "Agent1"})
	require.Equal(t, ErrBusy.Error(), resp.Error)
}

func TestPanicRecovery(t *testing.T) {
	d := newTestDispatcher(t)
	d.register("test.panic", func(context.Context, *Dispatcher, *Request) (*Program, error) {
		panic("boom")
	})
	msg := dispatchErr(t, d, &Request{Op: "test.panic"})
	require.Contains(t, msg, "internal error")

	// The gate is released; the next request is served.
	dispatchOK(t, d, &Request{Op: "entity.add", Name: "Agent1"})
}
