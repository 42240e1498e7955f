package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simstreams/server/internal/document"
)

func sampleDocument(t *testing.T) *document.Document {
	t.Helper()
	s := document.NewStore("My Config", zap.NewNop())
	require.NoError(t, s.UpdateName("My Config"))
	require.NoError(t, s.AddEntity("Agent1"))
	require.NoError(t, s.AddComponent("Position"))
	require.NoError(t, s.AddVariableField("x", float64(0)))
	require.NoError(t, s.AddVariableField("tags", []any{"a", "b"}))
	require.NoError(t, s.AddEntity("Agent2"))
	require.NoError(t, s.AddComponent("Health"))
	require.NoError(t, s.AddVariableField("hp", float64(10)))
	require.NoError(t, s.AddOperator("move"))
	require.NoError(t, s.SelectOperatorField("formula"))
	require.NoError(t, s.RenameOperatorField("formula", "Agent1_Position_x = Agent1_Position_x + 1"))
	require.NoError(t, s.AddOperatorField("rate", float64(2)))
	s.Document().Globals.Set("gravity", float64(9.8))
	s.Document().Globals.Set("paused", false)
	return s.Document()
}

func requireDocumentsEqual(t *testing.T, want, got *document.Document) {
	t.Helper()
	require.Equal(t, want.Name, got.Name)

	require.Len(t, got.Entities, len(want.Entities))
	for i, we := range want.Entities {
		ge := got.Entities[i]
		require.Equal(t, we.Name, ge.Name)
		require.Len(t, ge.Components, len(we.Components))
		for j, wc := range we.Components {
			require.Equal(t, wc.Definition.Name, ge.Components[j].Definition.Name)
		}
	}

	require.Len(t, got.Definitions, len(want.Definitions))
	for i, wd := range want.Definitions {
		gd := got.Definitions[i]
		require.Equal(t, wd.Name, gd.Name)
		require.Equal(t, wd.Fields.Keys(), gd.Fields.Keys())
		wd.Fields.Each(func(key string, value any) {
			gv, _ := gd.Fields.Get(key)
			require.True(t, document.EqualValue(value, gv), "component %s field %s: %v != %v", wd.Name, key, value, gv)
		})
	}

	require.Len(t, got.Operators, len(want.Operators))
	for i, wo := range want.Operators {
		gotOp := got.Operators[i]
		require.Equal(t, wo.Name, gotOp.Name)
		require.Equal(t, wo.Fields.Keys(), gotOp.Fields.Keys())
	}

	require.Equal(t, want.Globals.Keys(), got.Globals.Keys())
	want.Globals.Each(func(key string, value any) {
		gv, _ := got.Globals.Get(key)
		require.True(t, document.EqualValue(value, gv), "global %s: %v != %v", key, value, gv)
	})
}

func TestLuaRoundTrip(t *testing.T) {
	doc := sampleDocument(t)
	data := SaveLua(doc)

	require.True(t, strings.HasPrefix(string(data), "-- Generated Lua file from ECS configuration\n"))
	require.Contains(t, string(data), "ecs_config = {")

	got, err := LoadLua(data)
	require.NoError(t, err)
	requireDocumentsEqual(t, doc, got)
}

func TestLuaLoadWithoutLeadingComment(t *testing.T) {
	doc := sampleDocument(t)
	data := SaveLua(doc)
	stripped := strings.TrimPrefix(string(data), "-- Generated Lua file from ECS configuration\n")

	got, err := LoadLua([]byte(stripped))
	require.NoError(t, err)
	require.Equal(t, doc.Name, got.Name)
}

func TestYAMLRoundTrip(t *testing.T) {
	doc := sampleDocument(t)
	data, err := SaveYAML(doc)
	require.NoError(t, err)
	require.Contains(t, string(data), "format_version: 1")

	got, err := LoadYAML(data)
	require.NoError(t, err)
	requireDocumentsEqual(t, doc, got)
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	_, err := LoadLua([]byte(`ecs_config = { format_version = 2, name = "x" }`))
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, VersionMismatch, serr.Reason)

	_, err = LoadYAML([]byte("format_version: 99\nname: x\n"))
	require.ErrorAs(t, err, &serr)
	require.Equal(t, VersionMismatch, serr.Reason)
}

func TestLoadRejectsMalformed(t *testing.T) {
	var serr *SerializationError

	_, err := LoadLua([]byte("this is not lua at all ("))
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Malformed, serr.Reason)

	_, err = LoadLua([]byte(`x = 1`)) // runs, but no ecs_config
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Malformed, serr.Reason)

	_, err = LoadYAML([]byte(":\n  - ["))
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Malformed, serr.Reason)
}

func TestLoadRejectsNonterminatingSource(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		_, err := LoadLua([]byte("while true do end"))
		done <- err
	}()

	select {
	case err := <-done:
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, Malformed, serr.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("load never returned")
	}
}

func TestLoadRejectsDanglingComponentRef(t *testing.T) {
	src := `ecs_config = {
  format_version = 1,
  name = "x",
  entities = { { name = "A", components = {"Ghost"} } },
  components = {},
  operators = {},
  variables = {},
}`
	_, err := LoadLua([]byte(src))
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Malformed, serr.Reason)
	require.Contains(t, serr.Detail, "Ghost")
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	src := `ecs_config = {
  format_version = 1,
  name = "x",
  entities = { { name = "A", components = {} }, { name = "A", components = {} } },
  components = {},
  operators = {},
  variables = {},
}`
	_, err := LoadLua([]byte(src))
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Malformed, serr.Reason)
}

func TestComponentRoundTrip(t *testing.T) {
	fields := document.NewFieldList()
	fields.Set("x", float64(3))
	fields.Set("label", "spawn")
	def := &document.ComponentDefinition{Name: "Position", Fields: fields}

	data := SaveComponent(def)
	require.Contains(t, string(data), "component_config = {")

	got, err := LoadComponent(data)
	require.NoError(t, err)
	require.Equal(t, "Position", got.Name)
	require.Equal(t, []string{"x", "label"}, got.Fields.Keys())
	v, _ := got.Fields.Get("x")
	require.Equal(t, float64(3), v)
}

func TestLoadComponentValidation(t *testing.T) {
	var serr *SerializationError

	_, err := LoadComponent([]byte(`component_config = { format_version = 9, name = "P", fields = {} }`))
	require.ErrorAs(t, err, &serr)
	require.Equal(t, VersionMismatch, serr.Reason)

	_, err = LoadComponent([]byte(`component_config = { format_version = 1, fields = {} }`))
	require.ErrorAs(t, err, &serr)
	require.Equal(t, Malformed, serr.Reason)
}
