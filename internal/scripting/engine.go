// Package scripting implements the operator evaluation capability with a
// sandboxed gopher-lua VM. An operator's "formula" field is executed as a Lua
// chunk whose environment exposes the world snapshot under sanitized names;
// assignments made by the chunk are collected as proposed updates, never
// applied directly.
package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/simstreams/server/internal/document"
	"github.com/simstreams/server/internal/sim"
)

// Engine wraps a single Lua VM. Single-goroutine access only: it lives inside
// the dispatcher's single-writer domain, exactly one operator runs at a time.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates the VM and, if helperDir is non-empty, loads all .lua
// helper files from it into the global namespace so formulas can call them.
func NewEngine(helperDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	// Formulas are opaque user input, so only the safe libraries are opened.
	// os, io and debug never exist in this VM.
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		vm.Push(vm.NewFunction(lib.open))
		vm.Push(lua.LString(lib.name))
		vm.Call(1, 0)
	}
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if helperDir != "" {
		if err := e.loadDir(helperDir); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load helper scripts: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) Close() { e.vm.Close() }

// loadDir loads all .lua files in a directory. Missing dirs are skipped.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua helper", zap.String("file", path))
	}
	return nil
}

// EvalOperator implements sim.Evaluator. An empty or "blank" formula is a
// successful no-op. Errors (compile, runtime, context deadline) surface to
// the stepper, which rolls the tick back.
func (e *Engine) EvalOperator(ctx context.Context, op *document.Operator, snap *sim.Snapshot) (*sim.Updates, error) {
	updates := sim.NewUpdates()

	code := formulaOf(op)
	if code == "" {
		return updates, nil
	}

	// Backing scope: snapshot values plus the operator's own data fields,
	// readable under sanitized identifiers. Chained to the VM globals so
	// helper functions stay callable.
	ids, canonical := identifiers(snap.Keys())
	back := e.vm.NewTable()
	for _, key := range snap.Keys() {
		v, _ := snap.Get(key)
		back.RawSetString(ids[key], toLua(e.vm, v))
	}
	op.Fields.Each(func(key string, value any) {
		if key == "formula" {
			return
		}
		back.RawSetString(sanitize(key), toLua(e.vm, value))
	})
	backMeta := e.vm.NewTable()
	backMeta.RawSetString("__index", e.vm.Get(lua.GlobalsIndex))
	e.vm.SetMetatable(back, backMeta)

	// Write scope: assignments land here and become the proposed updates.
	env := e.vm.NewTable()
	envMeta := e.vm.NewTable()
	envMeta.RawSetString("__index", back)
	e.vm.SetMetatable(env, envMeta)

	fn, err := e.vm.Load(strings.NewReader(code), op.Name)
	if err != nil {
		return nil, fmt.Errorf("compile formula: %w", err)
	}
	fn.Env = env

	e.vm.SetContext(ctx)
	defer e.vm.RemoveContext()

	e.vm.Push(fn)
	if err := e.vm.PCall(0, lua.MultRet, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run formula: %w", err)
	}

	var assigned []string
	env.ForEach(func(k, _ lua.LValue) {
		assigned = append(assigned, k.String())
	})
	sort.Strings(assigned)
	for _, id := range assigned {
		key := id
		if canon, ok := canonical[id]; ok {
			key = canon
		}
		updates.Set(key, fromLua(env.RawGetString(id)))
	}
	return updates, nil
}

func formulaOf(op *document.Operator) string {
	raw, ok := op.Fields.Get("formula")
	if !ok {
		return ""
	}
	code, _ := raw.(string)
	code = strings.TrimSpace(code)
	if code == "blank" {
		return ""
	}
	return code
}

// identifiers assigns every snapshot key a unique Lua identifier. A key that
// already is an identifier keeps its own name; a key whose sanitized form
// collides with a taken one gets trailing underscores until it is free, so an
// assignment can never land on the wrong canonical key.
func identifiers(keys []string) (ids, canonical map[string]string) {
	ids = make(map[string]string, len(keys))
	canonical = make(map[string]string, len(keys))
	for _, key := range keys {
		if sanitize(key) == key {
			ids[key] = key
			canonical[key] = key
		}
	}
	for _, key := range keys {
		if _, ok := ids[key]; ok {
			continue
		}
		id := sanitize(key)
		for {
			if _, taken := canonical[id]; !taken {
				break
			}
			id += "_"
		}
		ids[key] = id
		canonical[id] = key
	}
	return ids, canonical
}

// sanitize maps a canonical snapshot key ("Agent1.Position.x") to a valid Lua
// identifier ("Agent1_Position_x").
func sanitize(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func toLua(vm *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := vm.NewTable()
		for _, item := range val {
			tbl.Append(toLua(vm, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		var out []any
		val.ForEach(func(_, item lua.LValue) {
			out = append(out, fromLua(item))
		})
		return out
	default:
		return nil
	}
}
