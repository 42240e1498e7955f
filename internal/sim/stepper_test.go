package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/query"
)

// fakeEval runs one Go function per operator name.
type fakeEval struct {
	fns map[string]func(ctx context.Context, snap *Snapshot) (*Updates, error)
}

func (f *fakeEval) EvalOperator(ctx context.Context, op *document.Operator, snap *Snapshot) (*Updates, error) {
	fn, ok := f.fns[op.Name]
	if !ok {
		return NewUpdates(), nil
	}
	return fn(ctx, snap)
}

func buildStore(t *testing.T) *document.Store {
	t.Helper()
	s := document.NewStore("Test", zap.NewNop())
	require.NoError(t, s.AddEntity("Agent1"))
	require.NoError(t, s.AddComponent("Position"))
	require.NoError(t, s.AddVariableField("x", float64(0)))
	return s
}

func incrementX(amount float64) func(context.Context, *Snapshot) (*Updates, error) {
	return func(_ context.Context, snap *Snapshot) (*Updates, error) {
		v, ok := snap.Resolve("Position.x")
		if !ok {
			return nil, errors.New("x missing")
		}
		u := NewUpdates()
		u.Set("Agent1.Position.x", v.(float64)+amount)
		return u, nil
	}
}

func TestBuildSnapshotKeys(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddVariableField("y", float64(2)))
	store.Document().Globals.Set("gravity", float64(9.8))

	snap := BuildSnapshot(store.Document())
	require.Equal(t, []string{"Agent1.Position.x", "Agent1.Position.y", "gravity"}, snap.Keys())

	v, ok := snap.Resolve("Agent1.Position.x")
	require.True(t, ok)
	require.Equal(t, float64(0), v)

	// Two-part expressions match by component suffix.
	v, ok = snap.Resolve("Position.y")
	require.True(t, ok)
	require.Equal(t, float64(2), v)

	v, ok = snap.Resolve("gravity")
	require.True(t, ok)
	require.Equal(t, float64(9.8), v)

	_, ok = snap.Resolve("Velocity.x")
	require.False(t, ok)
}

func TestStepCommitsUpdates(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddOperator("inc"))

	eval := &fakeEval{fns: map[string]func(context.Context, *Snapshot) (*Updates, error){
		"inc": incrementX(1),
	}}
	st := NewStepper(store, eval, 0, zap.NewNop())

	require.NoError(t, st.Step(context.Background(), nil))
	require.Equal(t, 1, st.Snapshot().Tick)
	v, _ := st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(1), v)

	require.NoError(t, st.Step(context.Background(), nil))
	v, _ = st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(2), v)

	// The document keeps its authored defaults.
	def := store.Document().Definition("Position")
	authored, _ := def.Fields.Get("x")
	require.Equal(t, float64(0), authored)
}

func TestOperatorsRunInStoredOrder(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddOperator("double"))
	require.NoError(t, store.AddOperator("add"))

	eval := &fakeEval{fns: map[string]func(context.Context, *Snapshot) (*Updates, error){
		"double": func(_ context.Context, snap *Snapshot) (*Updates, error) {
			v, _ := snap.Resolve("Position.x")
			u := NewUpdates()
			u.Set("Agent1.Position.x", v.(float64)*2)
			return u, nil
		},
		"add": incrementX(3),
	}}
	st := NewStepper(store, eval, 0, zap.NewNop())
	st.Snapshot() // force tick 0
	require.NoError(t, st.Step(context.Background(), nil))
	require.NoError(t, st.Step(context.Background(), nil))

	// (0*2+3)*2+3 = 9: "add" sees "double"'s write within the same tick.
	v, _ := st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(9), v)
}

func TestFailedTickRollsBack(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddOperator("inc"))
	require.NoError(t, store.AddOperator("boom"))

	eval := &fakeEval{fns: map[string]func(context.Context, *Snapshot) (*Updates, error){
		"inc": incrementX(1),
		"boom": func(context.Context, *Snapshot) (*Updates, error) {
			return nil, errors.New("model unavailable")
		},
	}}
	st := NewStepper(store, eval, 0, zap.NewNop())

	err := st.Step(context.Background(), nil)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, OperatorFailed, serr.Reason)
	require.Equal(t, "boom", serr.Operator)

	// Full rollback: tick not advanced, inc's write discarded.
	require.Equal(t, 0, st.Snapshot().Tick)
	v, _ := st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(0), v)
	require.Equal(t, Faulted, st.State())

	// Faulted until reset.
	require.ErrorIs(t, st.Step(context.Background(), nil), ErrFaulted)

	st.Reset()
	require.Equal(t, Idle, st.State())
	require.Equal(t, 0, st.Snapshot().Tick)
}

func TestOperatorTimeout(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddOperator("slow"))

	eval := &fakeEval{fns: map[string]func(context.Context, *Snapshot) (*Updates, error){
		"slow": func(ctx context.Context, _ *Snapshot) (*Updates, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	st := NewStepper(store, eval, 10*time.Millisecond, zap.NewNop())

	err := st.Step(context.Background(), nil)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Timeout, serr.Reason)
	require.Equal(t, Faulted, st.State())
}

func TestQueryFiltersOperators(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddOperator("inc"))
	require.NoError(t, store.AddOperator("dec"))
	require.NoError(t, store.SelectOperators([]int{1}))
	require.NoError(t, store.AddOperatorField("phase", "cleanup"))

	eval := &fakeEval{fns: map[string]func(context.Context, *Snapshot) (*Updates, error){
		"inc": incrementX(1),
		"dec": incrementX(-1),
	}}
	st := NewStepper(store, eval, 0, zap.NewNop())

	q, err := query.Parse("name = inc")
	require.NoError(t, err)
	require.NoError(t, st.Step(context.Background(), q))
	v, _ := st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(1), v)

	// Only the operator carrying the field matches.
	q, err = query.Parse("phase = cleanup")
	require.NoError(t, err)
	require.NoError(t, st.Step(context.Background(), q))
	v, _ = st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(0), v)
}

func TestResetRebuildsFromDocument(t *testing.T) {
	store := buildStore(t)
	require.NoError(t, store.AddOperator("inc"))
	eval := &fakeEval{fns: map[string]func(context.Context, *Snapshot) (*Updates, error){
		"inc": incrementX(1),
	}}
	st := NewStepper(store, eval, 0, zap.NewNop())
	require.NoError(t, st.Step(context.Background(), nil))
	require.NoError(t, st.Step(context.Background(), nil))

	// Edit the document mid-run, then reset: tick 0 reflects the edit.
	require.NoError(t, store.SelectVariableField("x"))
	require.NoError(t, store.RenameVariableField("x", float64(7)))
	st.Reset()

	require.Equal(t, 0, st.Snapshot().Tick)
	v, _ := st.Snapshot().Resolve("Position.x")
	require.Equal(t, float64(7), v)
}

func TestEntityScope(t *testing.T) {
	store := buildStore(t)
	snap := BuildSnapshot(store.Document())
	e := store.Document().Entities[0]

	sc := EntityScope(e, snap)
	v, ok := sc.Resolve("name")
	require.True(t, ok)
	require.Equal(t, "Agent1", v)

	v, ok = sc.Resolve("x")
	require.True(t, ok)
	require.Equal(t, float64(0), v)

	v, ok = sc.Resolve("Position.x")
	require.True(t, ok)
	require.Equal(t, float64(0), v)

	_, ok = sc.Resolve("hp")
	require.False(t, ok)
}
