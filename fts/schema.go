package fts

import (
	"encoding/json"
	"fmt"
)

// FieldType is the value type of a field.
type FieldType string

const (
	TypeText FieldType = "text"
	TypeU64  FieldType = "u64"
)

// Field is the ordinal of a field in its schema.
type Field uint32

// FieldOptions select how a field is indexed.
type FieldOptions struct {
	// Indexed adds the field's terms to the inverted index.
	Indexed bool `json:"indexed"`
	// Stored keeps the value in the document store.
	Stored bool `json:"stored"`
	// Fast keeps a columnar copy (u64 fields only).
	Fast bool `json:"fast"`
}

// FieldEntry describes one field.
type FieldEntry struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
	FieldOptions
}

// Schema is the ordered list of fields of an index. It is immutable once built.
type Schema struct {
	fields []FieldEntry
	byName map[string]Field
}

// SchemaBuilder assembles a Schema.
type SchemaBuilder struct {
	fields []FieldEntry
}

// NewSchemaBuilder returns an empty builder.
func NewSchemaBuilder() *SchemaBuilder { return &SchemaBuilder{} }

// AddTextField adds a tokenized text field.
func (b *SchemaBuilder) AddTextField(name string, opts FieldOptions) Field {
	opts.Fast = false
	b.fields = append(b.fields, FieldEntry{Name: name, Type: TypeText, FieldOptions: opts})
	return Field(len(b.fields) - 1)
}

// AddU64Field adds an unsigned integer field.
func (b *SchemaBuilder) AddU64Field(name string, opts FieldOptions) Field {
	b.fields = append(b.fields, FieldEntry{Name: name, Type: TypeU64, FieldOptions: opts})
	return Field(len(b.fields) - 1)
}

// Build returns the schema. Field names must be unique.
func (b *SchemaBuilder) Build() (*Schema, error) {
	return newSchema(b.fields)
}

func newSchema(fields []FieldEntry) (*Schema, error) {
	s := &Schema{
		fields: append([]FieldEntry(nil), fields...),
		byName: make(map[string]Field, len(fields)),
	}
	for i, f := range s.fields {
		if f.Type != TypeText && f.Type != TypeU64 {
			return nil, fmt.Errorf("fts: field %q has unknown type %q", f.Name, f.Type)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("fts: duplicate field %q", f.Name)
		}
		s.byName[f.Name] = Field(i)
	}
	return s, nil
}

// Field returns the field named name.
func (s *Schema) Field(name string) (Field, error) {
	f, ok := s.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return f, nil
}

// Entry returns the description of f.
func (s *Schema) Entry(f Field) (FieldEntry, error) {
	if int(f) >= len(s.fields) {
		return FieldEntry{}, fmt.Errorf("%w: #%d", ErrFieldNotFound, f)
	}
	return s.fields[f], nil
}

// Fields returns all field entries in ordinal order.
func (s *Schema) Fields() []FieldEntry {
	return append([]FieldEntry(nil), s.fields...)
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.fields)
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var fields []FieldEntry
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	built, err := newSchema(fields)
	if err != nil {
		return err
	}
	*s = *built
	return nil
}
