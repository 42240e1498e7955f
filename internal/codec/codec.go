// Package codec serializes documents and single components in two
// round-trippable formats: a portable Lua source form (the saved file is an
// executable `ecs_config = { ... }` assignment, loaded by running it in a
// sandboxed VM) and a generic YAML configuration form.
package codec

import (
	"fmt"

	"github.com/simstreams/server/internal/document"
)

// FormatVersion is embedded in every saved document; loaders reject anything
// else.
const FormatVersion = 1

// Format selects a document serialization.
type Format string

const (
	FormatLua  Format = "lua"
	FormatYAML Format = "yaml"
)

type SerializationReason int

const (
	Malformed SerializationReason = iota
	VersionMismatch
)

func (r SerializationReason) String() string {
	switch r {
	case Malformed:
		return "Malformed"
	case VersionMismatch:
		return "VersionMismatch"
	default:
		return fmt.Sprintf("SerializationReason(%d)", int(r))
	}
}

type SerializationError struct {
	Reason SerializationReason
	Detail string
	Err    error
}

func (e *SerializationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Save serializes a document in the requested format.
func Save(doc *document.Document, format Format) ([]byte, error) {
	switch format {
	case FormatLua:
		return SaveLua(doc), nil
	case FormatYAML:
		return SaveYAML(doc)
	default:
		return nil, &SerializationError{Reason: Malformed, Detail: fmt.Sprintf("unknown format %q", format)}
	}
}

// Load deserializes a document in the requested format.
func Load(data []byte, format Format) (*document.Document, error) {
	switch format {
	case FormatLua:
		return LoadLua(data)
	case FormatYAML:
		return LoadYAML(data)
	default:
		return nil, &SerializationError{Reason: Malformed, Detail: fmt.Sprintf("unknown format %q", format)}
	}
}

// ── shared wire shape ─────────────────────────────────────────────

type fieldDTO struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
}

type entityDTO struct {
	Name       string   `yaml:"name"`
	Components []string `yaml:"components,omitempty"`
}

type componentDTO struct {
	Name   string     `yaml:"name"`
	Fields []fieldDTO `yaml:"fields,omitempty"`
}

type operatorDTO struct {
	Name   string     `yaml:"name"`
	Fields []fieldDTO `yaml:"fields,omitempty"`
}

type documentDTO struct {
	FormatVersion int            `yaml:"format_version"`
	Name          string         `yaml:"name"`
	Entities      []entityDTO    `yaml:"entities,omitempty"`
	Components    []componentDTO `yaml:"components,omitempty"`
	Operators     []operatorDTO  `yaml:"operators,omitempty"`
	Variables     []fieldDTO     `yaml:"variables,omitempty"`
}

func fieldsDTO(fields *document.FieldList) []fieldDTO {
	var out []fieldDTO
	fields.Each(func(key string, value any) {
		out = append(out, fieldDTO{Key: key, Value: value})
	})
	return out
}

func fieldsFromDTO(dto []fieldDTO) *document.FieldList {
	out := document.NewFieldList()
	for _, f := range dto {
		out.Set(f.Key, f.Value)
	}
	return out
}

func dtoFromDocument(doc *document.Document) documentDTO {
	dto := documentDTO{
		FormatVersion: FormatVersion,
		Name:          doc.Name,
		Variables:     fieldsDTO(doc.Globals),
	}
	for _, e := range doc.Entities {
		ed := entityDTO{Name: e.Name}
		for _, inst := range e.Components {
			ed.Components = append(ed.Components, inst.Definition.Name)
		}
		dto.Entities = append(dto.Entities, ed)
	}
	for _, def := range doc.Definitions {
		dto.Components = append(dto.Components, componentDTO{Name: def.Name, Fields: fieldsDTO(def.Fields)})
	}
	for _, op := range doc.Operators {
		dto.Operators = append(dto.Operators, operatorDTO{Name: op.Name, Fields: fieldsDTO(op.Fields)})
	}
	return dto
}

func documentFromDTO(dto documentDTO) (*document.Document, error) {
	if dto.FormatVersion != FormatVersion {
		return nil, &SerializationError{
			Reason: VersionMismatch,
			Detail: fmt.Sprintf("format_version %d, want %d", dto.FormatVersion, FormatVersion),
		}
	}
	doc := document.New(dto.Name)
	defs := make(map[string]*document.ComponentDefinition, len(dto.Components))
	for _, cd := range dto.Components {
		if _, dup := defs[cd.Name]; dup {
			return nil, &SerializationError{Reason: Malformed, Detail: fmt.Sprintf("duplicate component %q", cd.Name)}
		}
		def := &document.ComponentDefinition{Name: cd.Name, Fields: fieldsFromDTO(cd.Fields)}
		defs[cd.Name] = def
		doc.Definitions = append(doc.Definitions, def)
	}
	seenEntities := make(map[string]bool, len(dto.Entities))
	for _, ed := range dto.Entities {
		if seenEntities[ed.Name] {
			return nil, &SerializationError{Reason: Malformed, Detail: fmt.Sprintf("duplicate entity %q", ed.Name)}
		}
		seenEntities[ed.Name] = true
		e := &document.Entity{Name: ed.Name}
		for _, ref := range ed.Components {
			def, ok := defs[ref]
			if !ok {
				return nil, &SerializationError{
					Reason: Malformed,
					Detail: fmt.Sprintf("entity %q references undefined component %q", ed.Name, ref),
				}
			}
			e.Components = append(e.Components, &document.ComponentInstance{Definition: def})
		}
		doc.Entities = append(doc.Entities, e)
	}
	seenOps := make(map[string]bool, len(dto.Operators))
	for _, od := range dto.Operators {
		if seenOps[od.Name] {
			return nil, &SerializationError{Reason: Malformed, Detail: fmt.Sprintf("duplicate operator %q", od.Name)}
		}
		seenOps[od.Name] = true
		doc.Operators = append(doc.Operators, &document.Operator{Name: od.Name, Fields: fieldsFromDTO(od.Fields)})
	}
	return doc, nil
}
