package index

import (
	"errors"
	"fmt"
	"math"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/fts"
)

var errNegative = errors.New("negative value")

// Row is one heap tuple as column name to value. Values may be nil, string,
// []string, bool, any signed or unsigned integer, or []uint64.
type Row map[string]any

// BuildDocument converts row into a document of schema. Columns without a
// schema field are ignored and nil values are skipped, except for keyField,
// which must be present.
func BuildDocument(schema *fts.Schema, keyField string, row Row) (*fts.Document, error) {
	if v, ok := row[keyField]; !ok || v == nil {
		return nil, &paradedb.KeyFieldNullError{Field: keyField}
	}
	doc := fts.NewDocument()
	for _, entry := range schema.Fields() {
		if entry.Name == RowIDFieldName {
			continue
		}
		v, ok := row[entry.Name]
		if !ok || v == nil {
			continue
		}
		f, err := schema.Field(entry.Name)
		if err != nil {
			return nil, err
		}
		switch entry.Type {
		case fts.TypeText:
			if err := addText(doc, f, entry.Name, v); err != nil {
				return nil, err
			}
		case fts.TypeU64:
			if err := addU64(doc, f, entry.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return doc, nil
}

func addText(doc *fts.Document, f fts.Field, name string, v any) error {
	switch t := v.(type) {
	case string:
		doc.AddText(f, t)
	case []string:
		for _, s := range t {
			doc.AddText(f, s)
		}
	case fmt.Stringer:
		doc.AddText(f, t.String())
	default:
		return paradedb.NewValueError(name, v, fmt.Errorf("%T is not text", v))
	}
	return nil
}

func addU64(doc *fts.Document, f fts.Field, name string, v any) error {
	if vs, ok := v.([]uint64); ok {
		for _, x := range vs {
			doc.AddU64(f, x)
		}
		return nil
	}
	x, err := toU64(v)
	if err != nil {
		return paradedb.NewValueError(name, v, err)
	}
	doc.AddU64(f, x)
	return nil
}

func toU64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case uint:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint8:
		return uint64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case int, int8, int16, int32, int64:
		i := toInt64(t)
		if i < 0 {
			return 0, errNegative
		}
		return uint64(i), nil
	case float64:
		if t < 0 || t >= math.MaxUint64 || t != math.Trunc(t) {
			return 0, fmt.Errorf("%v is not an unsigned integer", t)
		}
		return uint64(t), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return v.(int64)
	}
}
