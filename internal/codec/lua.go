package codec

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/simstreams/server/internal/document"
)

// Uploaded source runs under a hard deadline so a hostile chunk cannot stall
// the loader. Well-formed documents execute in microseconds.
const execTimeout = time.Second

// SaveLua serializes a document as the portable source format: a generated
// Lua file whose body is one `ecs_config = { ... }` assignment.
func SaveLua(doc *document.Document) []byte {
	var b bytes.Buffer
	b.WriteString("-- Generated Lua file from ECS configuration\n\n")
	b.WriteString("ecs_config = {\n")
	writeDTO(&b, dtoFromDocument(doc), "  ")
	b.WriteString("}\n")
	return b.Bytes()
}

// LoadLua executes the source format in a sandboxed VM (no libraries opened)
// and walks the resulting ecs_config table. The leading generated-file
// comment, if present, is stripped first.
func LoadLua(data []byte) (*document.Document, error) {
	tbl, err := execConfig(data, "ecs_config")
	if err != nil {
		return nil, err
	}
	dto, err := dtoFromLua(tbl)
	if err != nil {
		return nil, err
	}
	return documentFromDTO(dto)
}

// SaveComponent serializes a single component definition in the source
// format, for sharing between documents.
func SaveComponent(def *document.ComponentDefinition) []byte {
	var b bytes.Buffer
	b.WriteString("-- Generated Lua file from component configuration\n\n")
	b.WriteString("component_config = {\n")
	fmt.Fprintf(&b, "  format_version = %d,\n", FormatVersion)
	fmt.Fprintf(&b, "  name = %s,\n", luaString(def.Name))
	writeFields(&b, fieldsDTO(def.Fields), "  ")
	b.WriteString("}\n")
	return b.Bytes()
}

// LoadComponent parses an uploaded component file.
func LoadComponent(data []byte) (*document.ComponentDefinition, error) {
	tbl, err := execConfig(data, "component_config")
	if err != nil {
		return nil, err
	}
	if v := int(luaNumber(tbl, "format_version")); v != FormatVersion {
		return nil, &SerializationError{
			Reason: VersionMismatch,
			Detail: fmt.Sprintf("format_version %d, want %d", v, FormatVersion),
		}
	}
	name := luaStringField(tbl, "name")
	if name == "" {
		return nil, &SerializationError{Reason: Malformed, Detail: "component has no name"}
	}
	fields, err := fieldsFromLua(tbl.RawGetString("fields"))
	if err != nil {
		return nil, err
	}
	return &document.ComponentDefinition{Name: name, Fields: fieldsFromDTO(fields)}, nil
}

// ── writer ────────────────────────────────────────────────────────

func writeDTO(b *bytes.Buffer, dto documentDTO, ind string) {
	fmt.Fprintf(b, "%sformat_version = %d,\n", ind, dto.FormatVersion)
	fmt.Fprintf(b, "%sname = %s,\n", ind, luaString(dto.Name))

	fmt.Fprintf(b, "%sentities = {\n", ind)
	for _, e := range dto.Entities {
		fmt.Fprintf(b, "%s  { name = %s, components = {", ind, luaString(e.Name))
		for i, ref := range e.Components {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(luaString(ref))
		}
		b.WriteString("} },\n")
	}
	fmt.Fprintf(b, "%s},\n", ind)

	fmt.Fprintf(b, "%scomponents = {\n", ind)
	for _, c := range dto.Components {
		fmt.Fprintf(b, "%s  {\n%s    name = %s,\n", ind, ind, luaString(c.Name))
		writeFields(b, c.Fields, ind+"    ")
		fmt.Fprintf(b, "%s  },\n", ind)
	}
	fmt.Fprintf(b, "%s},\n", ind)

	fmt.Fprintf(b, "%soperators = {\n", ind)
	for _, o := range dto.Operators {
		fmt.Fprintf(b, "%s  {\n%s    name = %s,\n", ind, ind, luaString(o.Name))
		writeFields(b, o.Fields, ind+"    ")
		fmt.Fprintf(b, "%s  },\n", ind)
	}
	fmt.Fprintf(b, "%s},\n", ind)

	fmt.Fprintf(b, "%svariables = {\n", ind)
	for _, f := range dto.Variables {
		fmt.Fprintf(b, "%s  { key = %s, value = %s },\n", ind, luaString(f.Key), luaValue(f.Value))
	}
	fmt.Fprintf(b, "%s},\n", ind)
}

func writeFields(b *bytes.Buffer, fields []fieldDTO, ind string) {
	fmt.Fprintf(b, "%sfields = {\n", ind)
	for _, f := range fields {
		fmt.Fprintf(b, "%s  { key = %s, value = %s },\n", ind, luaString(f.Key), luaValue(f.Value))
	}
	fmt.Fprintf(b, "%s},\n", ind)
}

func luaString(s string) string {
	return strconv.Quote(s)
}

func luaValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case string:
		return luaString(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = luaValue(item)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return luaString(fmt.Sprintf("%v", val))
	}
}

// ── loader ────────────────────────────────────────────────────────

func execConfig(data []byte, global string) (*lua.LTable, error) {
	src := string(data)
	if strings.HasPrefix(src, "--") {
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			src = src[i+1:]
		}
	}
	vm := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer vm.Close()
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()
	vm.SetContext(ctx)
	if err := vm.DoString(src); err != nil {
		if ctx.Err() != nil {
			return nil, &SerializationError{Reason: Malformed, Detail: "source did not finish executing", Err: ctx.Err()}
		}
		return nil, &SerializationError{Reason: Malformed, Detail: "execute source", Err: err}
	}
	tbl, ok := vm.GetGlobal(global).(*lua.LTable)
	if !ok {
		return nil, &SerializationError{Reason: Malformed, Detail: fmt.Sprintf("no %s table", global)}
	}
	return tbl, nil
}

func dtoFromLua(tbl *lua.LTable) (documentDTO, error) {
	dto := documentDTO{
		FormatVersion: int(luaNumber(tbl, "format_version")),
		Name:          luaStringField(tbl, "name"),
	}
	for _, ev := range luaArray(tbl.RawGetString("entities")) {
		et, ok := ev.(*lua.LTable)
		if !ok {
			return dto, &SerializationError{Reason: Malformed, Detail: "entity entry is not a table"}
		}
		ed := entityDTO{Name: luaStringField(et, "name")}
		for _, cv := range luaArray(et.RawGetString("components")) {
			ed.Components = append(ed.Components, lua.LVAsString(cv))
		}
		dto.Entities = append(dto.Entities, ed)
	}
	for _, cv := range luaArray(tbl.RawGetString("components")) {
		ct, ok := cv.(*lua.LTable)
		if !ok {
			return dto, &SerializationError{Reason: Malformed, Detail: "component entry is not a table"}
		}
		fields, err := fieldsFromLua(ct.RawGetString("fields"))
		if err != nil {
			return dto, err
		}
		dto.Components = append(dto.Components, componentDTO{Name: luaStringField(ct, "name"), Fields: fields})
	}
	for _, ov := range luaArray(tbl.RawGetString("operators")) {
		ot, ok := ov.(*lua.LTable)
		if !ok {
			return dto, &SerializationError{Reason: Malformed, Detail: "operator entry is not a table"}
		}
		fields, err := fieldsFromLua(ot.RawGetString("fields"))
		if err != nil {
			return dto, err
		}
		dto.Operators = append(dto.Operators, operatorDTO{Name: luaStringField(ot, "name"), Fields: fields})
	}
	var err error
	dto.Variables, err = fieldsFromLua(tbl.RawGetString("variables"))
	if err != nil {
		return dto, err
	}
	return dto, nil
}

func fieldsFromLua(v lua.LValue) ([]fieldDTO, error) {
	var out []fieldDTO
	for _, fv := range luaArray(v) {
		ft, ok := fv.(*lua.LTable)
		if !ok {
			return nil, &SerializationError{Reason: Malformed, Detail: "field entry is not a table"}
		}
		key := luaStringField(ft, "key")
		if key == "" {
			return nil, &SerializationError{Reason: Malformed, Detail: "field entry has no key"}
		}
		out = append(out, fieldDTO{Key: key, Value: valueFromLua(ft.RawGetString("value"))})
	}
	return out, nil
}

func luaArray(v lua.LValue) []lua.LValue {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []lua.LValue
	for i := 1; ; i++ {
		item := tbl.RawGetInt(i)
		if item == lua.LNil {
			return out
		}
		out = append(out, item)
	}
}

func luaStringField(tbl *lua.LTable, key string) string {
	return lua.LVAsString(tbl.RawGetString(key))
}

func luaNumber(tbl *lua.LTable, key string) float64 {
	return float64(lua.LVAsNumber(tbl.RawGetString(key)))
}

func valueFromLua(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		var out []any
		for _, item := range luaArray(val) {
			out = append(out, valueFromLua(item))
		}
		return out
	default:
		return nil
	}
}
