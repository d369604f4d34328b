package toolcall

import (
	"encoding/json"
	"sort"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// schema is the subset of JSON Schema the XML convention can express.
type schema struct {
	Type        any                `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	AnyOf       []*schema          `json:"anyOf,omitempty"`
	OneOf       []*schema          `json:"oneOf,omitempty"`
	AllOf       []*schema          `json:"allOf,omitempty"`
}

// parseSchema accepts whatever a client put in FunctionDefinition.Parameters:
// a decoded JSON object, a jsonschema.Definition, raw JSON bytes or a string.
func parseSchema(params any) *schema {
	var raw []byte
	switch p := params.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil
		}
		raw = b
	}

	var s schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

// declaredType returns the schema's own type, skipping "null" in union
// types. It is empty when the type is missing or not a string.
func (s *schema) declaredType() jsonschema.DataType {
	if s == nil {
		return ""
	}

	switch t := s.Type.(type) {
	case string:
		return jsonschema.DataType(t)
	case []any:
		for _, v := range t {
			if name, ok := v.(string); ok && name != string(jsonschema.Null) {
				return jsonschema.DataType(name)
			}
		}
	}
	return ""
}

// encodedType is the type attribute written into the prompt. Combinators
// and missing types degrade to object.
func (s *schema) encodedType() jsonschema.DataType {
	if s == nil {
		return jsonschema.Object
	}
	if len(s.AnyOf) > 0 || len(s.OneOf) > 0 || len(s.AllOf) > 0 {
		return jsonschema.Object
	}
	if t := s.declaredType(); t != "" {
		return t
	}
	if s.Items != nil {
		return jsonschema.Array
	}
	return jsonschema.Object
}

func (s *schema) isCombinator() bool {
	return s != nil && (len(s.AnyOf) > 0 || len(s.OneOf) > 0 || len(s.AllOf) > 0)
}

func (s *schema) property(name string) *schema {
	if s == nil || s.isCombinator() {
		return nil
	}
	return s.Properties[name]
}

func (s *schema) items() *schema {
	if s == nil || s.isCombinator() {
		return nil
	}
	return s.Items
}

func (s *schema) propertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *schema) isRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}
