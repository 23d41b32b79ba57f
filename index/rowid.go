package index

import (
	"fmt"
	"strings"

	"github.com/jnicholls/paradedb/fts"
)

// RowIDFieldName is the schema field holding each document's row id.
const RowIDFieldName = "ctid"

// RowID is a heap tuple location packed as block<<16 | offset.
type RowID uint64

// NewRowID packs a tuple location.
func NewRowID(block uint32, offset uint16) RowID {
	return RowID(uint64(block)<<16 | uint64(offset))
}

func (r RowID) Block() uint32  { return uint32(r >> 16) }
func (r RowID) Offset() uint16 { return uint16(r) }

func (r RowID) String() string { return fmt.Sprintf("(%d,%d)", r.Block(), r.Offset()) }

// ParseRowID parses the String form of a row id.
func ParseRowID(s string) (RowID, error) {
	var (
		block  uint32
		offset uint16
	)
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "(%d,%d)", &block, &offset); err != nil {
		return 0, fmt.Errorf("invalid row id %q: %w", s, err)
	}
	return NewRowID(block, offset), nil
}

// Term returns the row id term of field.
func (r RowID) Term(field fts.Field) fts.Term { return fts.TermFromU64(field, uint64(r)) }

// NewSchemaBuilder returns a schema builder that already carries the row id
// field.
func NewSchemaBuilder() *fts.SchemaBuilder {
	b := fts.NewSchemaBuilder()
	b.AddU64Field(RowIDFieldName, fts.FieldOptions{Indexed: true, Fast: true})
	return b
}

// rowIDField validates the row id field of schema and returns its handle.
func rowIDField(schema *fts.Schema) (fts.Field, error) {
	f, err := schema.Field(RowIDFieldName)
	if err != nil {
		return 0, fmt.Errorf("%w: missing row id field %q", fts.ErrSchemaMismatch, RowIDFieldName)
	}
	e, err := schema.Entry(f)
	if err != nil {
		return 0, err
	}
	if e.Type != fts.TypeU64 || !e.Indexed || !e.Fast {
		return 0, fmt.Errorf("%w: row id field %q must be an indexed fast u64 field", fts.ErrSchemaMismatch, RowIDFieldName)
	}
	return f, nil
}
