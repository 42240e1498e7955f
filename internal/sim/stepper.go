package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/query"
)

// Reason distinguishes why a tick was aborted.
type Reason int

const (
	OperatorFailed Reason = iota
	Timeout
)

func (r Reason) String() string {
	switch r {
	case OperatorFailed:
		return "OperatorFailed"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Error aborts a tick with full rollback: the snapshot after a failed step is
// the snapshot before it.
type Error struct {
	Reason   Reason
	Operator string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: operator %q: %v", e.Reason, e.Operator, e.Err)
	}
	return fmt.Sprintf("%s: operator %q", e.Reason, e.Operator)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrFaulted is returned for step requests after a failed tick, until reset.
var ErrFaulted = errors.New("simulation faulted, reset required")

// Evaluator is the external "evaluate operator against world state"
// capability. It may block for unbounded latency (a generative model call);
// the stepper bounds it with a per-operator context deadline. Implementations
// must not mutate the snapshot — they return proposed updates.
type Evaluator interface {
	EvalOperator(ctx context.Context, op *document.Operator, snap *Snapshot) (*Updates, error)
}

// State is the stepper's lifecycle: Idle → Stepping → Idle on success,
// Idle → Stepping → Faulted on operator error. Faulted is only recoverable
// by Reset.
type State int

const (
	Idle State = iota
	Stepping
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Stepping:
		return "Stepping"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stepper advances the world one tick at a time. Callers requesting N ticks
// issue N sequential Step calls, so cancellation is simply not asking for the
// next one. The stepper runs inside the dispatcher's single-writer domain and
// holds no lock of its own.
type Stepper struct {
	store   *document.Store
	eval    Evaluator
	timeout time.Duration
	log     *zap.Logger

	state State
	snap  *Snapshot
}

func NewStepper(store *document.Store, eval Evaluator, timeout time.Duration, log *zap.Logger) *Stepper {
	return &Stepper{store: store, eval: eval, timeout: timeout, log: log, state: Idle}
}

func (s *Stepper) State() State { return s.state }

// Snapshot returns the current committed world state, building the tick-0
// snapshot from the document on first use.
func (s *Stepper) Snapshot() *Snapshot {
	if s.snap == nil {
		s.snap = BuildSnapshot(s.store.Document())
	}
	return s.snap
}

// Reset discards all run state and rebuilds tick 0 from the document. It is
// the only way out of Faulted. Metric series clearing is the caller's side of
// the handshake.
func (s *Stepper) Reset() {
	s.snap = BuildSnapshot(s.store.Document())
	s.state = Idle
	s.log.Info("simulation reset")
}

// Step runs one tick: select operators by the query, execute them in stored
// order against a working copy, then commit the working copy atomically. Any
// operator failure discards the whole tick and faults the stepper.
func (s *Stepper) Step(ctx context.Context, q *query.Query) error {
	if s.state == Faulted {
		return ErrFaulted
	}
	s.state = Stepping

	base := s.Snapshot()
	work := base.Clone()
	work.Tick++

	ran := 0
	for _, op := range s.store.Document().Operators {
		if q != nil && !q.Match(OperatorScope(op, work)) {
			continue
		}
		updates, err := s.runOperator(ctx, op, work)
		if err != nil {
			s.state = Faulted
			s.log.Warn("tick aborted",
				zap.Int("tick", work.Tick),
				zap.String("operator", op.Name),
				zap.Error(err),
			)
			return err
		}
		work.apply(updates)
		ran++
	}

	s.snap = work
	s.state = Idle
	s.log.Debug("tick committed", zap.Int("tick", work.Tick), zap.Int("operators", ran))
	return nil
}

func (s *Stepper) runOperator(ctx context.Context, op *document.Operator, work *Snapshot) (*Updates, error) {
	opCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	updates, err := s.eval.EvalOperator(opCtx, op, work)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Reason: Timeout, Operator: op.Name}
		}
		return nil, &Error{Reason: OperatorFailed, Operator: op.Name, Err: err}
	}
	return updates, nil
}

// OperatorScope resolves query keys for operator selection: the operator's
// own fields first, then its name, then the world state.
func OperatorScope(op *document.Operator, snap *Snapshot) query.Lookup {
	return query.LookupFunc(func(key string) (any, bool) {
		if v, ok := op.Fields.Get(key); ok {
			return v, true
		}
		if key == "name" {
			return op.Name, true
		}
		return snap.Resolve(key)
	})
}

// EntityScope resolves query keys for display filtering: the entity's name,
// its instance values in the snapshot ("Comp.field" or bare field), then the
// world state.
func EntityScope(e *document.Entity, snap *Snapshot) query.Lookup {
	return query.LookupFunc(func(key string) (any, bool) {
		if key == "name" {
			return e.Name, true
		}
		if v, ok := snap.Resolve(e.Name + "." + key); ok {
			return v, true
		}
		for _, inst := range e.Components {
			if v, ok := snap.Resolve(e.Name + "." + inst.Definition.Name + "." + key); ok {
				return v, true
			}
		}
		return snap.Resolve(key)
	})
}
