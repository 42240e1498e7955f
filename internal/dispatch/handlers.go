package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/simstreams/server/internal/codec"
	"github.com/simstreams/server/internal/metrics"
	"github.com/simstreams/server/internal/query"
)

// registerAll wires every operation the protocol defines. Each op maps to
// exactly one document/stepper/metrics operation and one UI program.
func registerAll(d *Dispatcher) {
	d.register("document.updateName", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.UpdateName(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("document.save", handleDocumentSave)
	d.register("document.load", handleDocumentLoad)

	// Entities.
	d.register("entity.add", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.AddEntity(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("entity.rename", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RenameEntity(req.NewName); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("entity.remove", func(_ context.Context, d *Dispatcher, _ *Request) (*Program, error) {
		if err := d.deps.Store.RemoveEntity(); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("entity.move", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.MoveEntity(req.Up); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("entity.select", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.SelectEntities(req.Names); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})

	// Components.
	d.register("component.add", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.AddComponent(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("component.rename", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RenameComponent(req.NewName); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("component.remove", func(_ context.Context, d *Dispatcher, _ *Request) (*Program, error) {
		if err := d.deps.Store.RemoveComponent(); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("component.move", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.MoveComponent(req.Up); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("component.select", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.SelectComponents(req.Names); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("component.save", handleComponentSave)
	d.register("component.upload", handleComponentUpload)

	// Operators.
	d.register("operator.add", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.AddOperator(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.rename", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RenameOperator(req.NewName); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.remove", func(_ context.Context, d *Dispatcher, _ *Request) (*Program, error) {
		if err := d.deps.Store.RemoveOperator(); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.move", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.MoveOperator(req.Up); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.select", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.SelectOperators(req.Indices); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.field.add", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.AddOperatorField(req.Key, req.Value); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.field.rename", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RenameOperatorField(req.NewKey, req.NewValue); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.field.remove", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RemoveOperatorField(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("operator.field.select", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.SelectOperatorField(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})

	// Variable fields.
	d.register("variable.field.add", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.AddVariableField(req.Key, req.Value); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("variable.field.rename", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RenameVariableField(req.NewKey, req.NewValue); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("variable.field.remove", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.RemoveVariableField(req.Name); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})
	d.register("variable.field.select", func(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
		if err := d.deps.Store.SelectVariableField(req.Key); err != nil {
			return nil, err
		}
		return d.refresh(), nil
	})

	// Query, simulation, metrics.
	d.register("query.apply", handleQueryApply)
	d.register("sim.step", handleStep)
	d.register("sim.reset", handleReset)
	d.register("metric.add", handleMetricAdd)
	d.register("metric.remove", handleMetricRemove)
	d.register("metric.select", handleMetricSelect)
	d.register("metric.extractAll", handleExtractAll)
	d.register("metric.saveResults", handleSaveResults)
	d.register("metric.plot", handlePlot)
}

// handleQueryApply recomputes the active subset; it never mutates the
// document.
func handleQueryApply(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
	q, err := query.Parse(req.Query)
	if err != nil {
		return nil, err
	}
	d.query = req.Query
	p := d.refresh()
	p.add(d.simOutputPatch(q))
	return p, nil
}

// handleStep advances the simulation. Each tick is independently committed
// and recorded; the loop stops at the first failure, leaving the last
// committed snapshot intact.
func handleStep(ctx context.Context, d *Dispatcher, req *Request) (*Program, error) {
	q, err := query.Parse(d.query)
	if err != nil {
		return nil, err
	}
	ticks := req.Ticks
	if ticks <= 0 {
		ticks = 1
	}
	for i := 0; i < ticks; i++ {
		if err := d.deps.Stepper.Step(ctx, q); err != nil {
			return nil, err
		}
		snap := d.deps.Stepper.Snapshot()
		for name, recErr := range d.deps.Recorder.RecordTick(snap) {
			d.deps.Log.Warn("metric not recorded",
				zap.String("metric", name),
				zap.Int("tick", snap.Tick),
				zap.Error(recErr),
			)
		}
	}
	p := d.refresh()
	p.add(d.simOutputPatch(q))
	return p, nil
}

func handleReset(_ context.Context, d *Dispatcher, _ *Request) (*Program, error) {
	d.deps.Stepper.Reset()
	d.deps.Recorder.ClearSeries()
	p := d.refresh()
	p.add(d.simOutputPatch(nil))
	return p, nil
}

func handleMetricAdd(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
	if err := d.deps.Recorder.Add(req.Expression); err != nil {
		return nil, err
	}
	return d.refresh(), nil
}

func handleMetricRemove(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
	if err := d.deps.Recorder.Remove(req.Name); err != nil {
		return nil, err
	}
	return d.refresh(), nil
}

func handleMetricSelect(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
	if err := d.deps.Recorder.Select(req.Name); err != nil {
		return nil, err
	}
	p := d.refresh()
	series := d.deps.Recorder.Series(req.Name)
	values := make([]any, len(series))
	for i, s := range series {
		values[i] = s.Value
	}
	p.add(Patch{Target: TargetMetricValues, Fields: map[string]string{req.Name: formatValue(values)}})
	return p, nil
}

// handleExtractAll is the read-only probe: it reports every metric's current
// value without growing any series.
func handleExtractAll(_ context.Context, d *Dispatcher, _ *Request) (*Program, error) {
	values, errs := d.deps.Recorder.ExtractAll(d.deps.Stepper.Snapshot())
	p := d.refresh()
	p.add(d.metricValuesPatch(values, errs))
	return p, nil
}

func handleSaveResults(ctx context.Context, d *Dispatcher, _ *Request) (*Program, error) {
	doc := d.deps.Store.Document()
	tick := d.deps.Stepper.Snapshot().Tick
	series := d.deps.Recorder.AllSeries()

	path, err := metrics.WriteResults(d.resultsDir, doc.Name, tick, series)
	if err != nil {
		return nil, err
	}
	if d.deps.Results != nil {
		payload, err := json.Marshal(series)
		if err != nil {
			return nil, fmt.Errorf("marshal results: %w", err)
		}
		if err := d.deps.Results.Insert(ctx, doc.Name, tick, payload); err != nil {
			return nil, fmt.Errorf("persist results: %w", err)
		}
	}
	p := d.refresh()
	p.add(Patch{Target: TargetSimOutput, Items: []string{"results saved to " + path}})
	return p, nil
}

func handlePlot(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
	if d.deps.Plotter == nil {
		return nil, fmt.Errorf("plotting is not available")
	}
	switch req.Visualization {
	case "line", "map":
	default:
		return nil, fmt.Errorf("unknown visualization %q", req.Visualization)
	}
	series := make(map[string][]metrics.Sample, len(req.Metrics))
	for _, name := range req.Metrics {
		series[name] = d.deps.Recorder.Series(name)
	}
	img, err := d.deps.Plotter.Plot(series, req.Visualization)
	if err != nil {
		return nil, fmt.Errorf("plot: %w", err)
	}
	p := d.refresh()
	p.add(Patch{Target: TargetPlot, Fields: map[string]string{
		"image": base64.StdEncoding.EncodeToString(img),
		"type":  req.Visualization,
	}})
	return p, nil
}

func handleDocumentSave(ctx context.Context, d *Dispatcher, req *Request) (*Program, error) {
	format, err := parseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	store := d.deps.Store
	data, err := codec.Save(store.Document(), format)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d.deps.SaveDir, store.Document().Name+formatExt(format))
	if err := os.MkdirAll(d.deps.SaveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	if d.deps.Docs != nil {
		err := d.deps.Docs.Save(ctx, store.Document().Name, string(format), data, store.Revision(), store.RevisionID())
		if err != nil {
			return nil, fmt.Errorf("persist document: %w", err)
		}
	}
	p := d.refresh()
	p.add(Patch{Target: TargetDownload, Fields: map[string]string{
		"filename": filepath.Base(path),
		"content":  string(data),
	}})
	return p, nil
}

func handleDocumentLoad(ctx context.Context, d *Dispatcher, req *Request) (*Program, error) {
	format, err := parseFormat(req.Format)
	if err != nil {
		return nil, err
	}
	data := []byte(req.Content)
	if len(data) == 0 {
		if d.deps.Docs == nil {
			return nil, fmt.Errorf("no document content and no document storage configured")
		}
		data, err = d.deps.Docs.LoadLatest(ctx, req.Name, string(format))
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
	}
	doc, err := codec.Load(data, format)
	if err != nil {
		return nil, err
	}
	d.deps.Store.Replace(doc)
	d.deps.Stepper.Reset()
	d.deps.Recorder.ClearSeries()
	p := d.refresh()
	p.add(d.simOutputPatch(nil))
	return p, nil
}

func handleComponentSave(_ context.Context, d *Dispatcher, _ *Request) (*Program, error) {
	store := d.deps.Store
	sel := store.Selection()
	doc := store.Document()
	if sel.Entity < 0 || sel.Component < 0 {
		return nil, fmt.Errorf("no component selected")
	}
	def := doc.Entities[sel.Entity].Components[sel.Component].Definition
	data := codec.SaveComponent(def)
	p := d.refresh()
	p.add(Patch{Target: TargetDownload, Fields: map[string]string{
		"filename": def.Name + ".lua",
		"content":  string(data),
	}})
	return p, nil
}

func handleComponentUpload(_ context.Context, d *Dispatcher, req *Request) (*Program, error) {
	def, err := codec.LoadComponent([]byte(req.Content))
	if err != nil {
		return nil, err
	}
	if err := d.deps.Store.AttachComponent(def); err != nil {
		return nil, err
	}
	return d.refresh(), nil
}

func parseFormat(s string) (codec.Format, error) {
	switch s {
	case "", "lua":
		return codec.FormatLua, nil
	case "yaml":
		return codec.FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

func formatExt(f codec.Format) string {
	if f == codec.FormatYAML {
		return ".yaml"
	}
	return ".lua"
}
