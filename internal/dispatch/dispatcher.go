package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/metrics"
	"github.com/simstreams/server/internal/persist"
	"github.com/simstreams/server/internal/sim"
)

// ErrBusy rejects a request that arrives while another is in flight. One ECS
// document is edited by one client session, so there is no queue.
var ErrBusy = errors.New("busy: another operation is in flight")

// Plotter renders recorded metric series to an image. Rendering is outside
// the core; with no plotter configured, plot requests fail cleanly.
type Plotter interface {
	Plot(series map[string][]metrics.Sample, visualization string) ([]byte, error)
}

// Deps holds the shared collaborators injected into every operation handler.
type Deps struct {
	Store    *document.Store
	Stepper  *sim.Stepper
	Recorder *metrics.Recorder
	Docs     *persist.DocumentRepo // optional
	Results  *persist.ResultsRepo  // optional
	Plotter  Plotter               // optional
	SaveDir  string                // where document/component saves land
	Log      *zap.Logger
}

// HandlerFunc executes one operation and renders the resulting UI program.
type HandlerFunc func(ctx context.Context, d *Dispatcher, req *Request) (*Program, error)

// Dispatcher is the sole entry point for all state change: it maps one
// request to one document/stepper/metrics operation plus one UI-patch
// program, serializing everything through a single-writer gate.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc

	deps       *Deps
	resultsDir string
	query      string // active query option
}

func New(deps *Deps, resultsDir string) *Dispatcher {
	d := &Dispatcher{
		handlers:   make(map[string]HandlerFunc),
		deps:       deps,
		resultsDir: resultsDir,
		query:      "all=True",
	}
	registerAll(d)
	return d
}

// ActiveQuery returns the query option currently applied to display and
// stepping.
func (d *Dispatcher) ActiveQuery() string { return d.query }

func (d *Dispatcher) register(op string, fn HandlerFunc) {
	d.handlers[op] = fn
}

// Dispatch executes one operation. Every response carries either a patch
// program or an error string, never both.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	if !d.mu.TryLock() {
		return &Response{Error: ErrBusy.Error()}
	}
	defer d.mu.Unlock()

	fn, ok := d.handlers[req.Op]
	if !ok {
		return &Response{Error: fmt.Sprintf("unknown operation %q", req.Op)}
	}

	program, err := d.safeCall(ctx, fn, req)
	if err != nil {
		d.deps.Log.Warn("operation failed", zap.String("op", req.Op), zap.Error(err))
		return &Response{Error: err.Error()}
	}
	return &Response{Patch: program}
}

// safeCall runs a handler with panic recovery so one bad request cannot take
// the server down.
func (d *Dispatcher) safeCall(ctx context.Context, fn HandlerFunc, req *Request) (program *Program, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.deps.Log.Error("handler panic recovered",
				zap.String("op", req.Op),
				zap.Any("panic", rec),
			)
			program = nil
			err = fmt.Errorf("internal error in %q: %v", req.Op, rec)
		}
	}()
	return fn(ctx, d, req)
}
