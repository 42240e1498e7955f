package codec

import (
	"gopkg.in/yaml.v3"

	"github.com/simstreams/server/internal/document"
)

// SaveYAML serializes a document as the generic configuration format.
func SaveYAML(doc *document.Document) ([]byte, error) {
	data, err := yaml.Marshal(dtoFromDocument(doc))
	if err != nil {
		return nil, &SerializationError{Reason: Malformed, Detail: "encode yaml", Err: err}
	}
	return data, nil
}

// LoadYAML parses the generic configuration format.
func LoadYAML(data []byte) (*document.Document, error) {
	var dto documentDTO
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return nil, &SerializationError{Reason: Malformed, Detail: "parse yaml", Err: err}
	}
	normalizeDTO(&dto)
	return documentFromDTO(dto)
}

// normalizeDTO flattens yaml's any-typed decodings into the document's value
// set (int stays int64 vs float64 handled by document.EqualValue; nested
// []interface{} lists pass through).
func normalizeDTO(dto *documentDTO) {
	norm := func(fields []fieldDTO) {
		for i := range fields {
			fields[i].Value = normalizeValue(fields[i].Value)
		}
	}
	for i := range dto.Components {
		norm(dto.Components[i].Fields)
	}
	for i := range dto.Operators {
		norm(dto.Operators[i].Fields)
	}
	norm(dto.Variables)
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return document.CloneValue(v)
	}
}
