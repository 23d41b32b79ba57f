package fts

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
)

// FieldValue is one value of a document field. Only the member matching the
// field's type is meaningful.
type FieldValue struct {
	Field Field
	Text  string
	U64   uint64
}

// Document is a list of field values. A field may carry several values.
type Document struct {
	values []FieldValue
}

// NewDocument returns an empty document.
func NewDocument() *Document { return &Document{} }

// AddText appends a text value.
func (d *Document) AddText(f Field, s string) {
	d.values = append(d.values, FieldValue{Field: f, Text: s})
}

// AddU64 appends an integer value.
func (d *Document) AddU64(f Field, v uint64) {
	d.values = append(d.values, FieldValue{Field: f, U64: v})
}

// Values returns the document's values in insertion order.
func (d *Document) Values() []FieldValue { return d.values }

// U64 returns the first integer value of f.
func (d *Document) U64(f Field) (uint64, bool) {
	for _, v := range d.values {
		if v.Field == f {
			return v.U64, true
		}
	}
	return 0, false
}

// Text returns the first text value of f.
func (d *Document) Text(f Field) (string, bool) {
	for _, v := range d.values {
		if v.Field == f {
			return v.Text, true
		}
	}
	return "", false
}

// Term is a field ordinal plus the encoded term bytes.
type Term struct {
	Field Field
	Bytes []byte
}

// TermFromU64 encodes v big-endian so byte order equals numeric order.
func TermFromU64(f Field, v uint64) Term {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Term{Field: f, Bytes: b}
}

// TermFromText returns the term for an already-normalized token.
func TermFromText(f Field, token string) Term {
	return Term{Field: f, Bytes: []byte(token)}
}

// U64 decodes an integer term.
func (t Term) U64() (uint64, error) {
	return decodeU64Term(t.Bytes)
}

func (t Term) String() string {
	return fmt.Sprintf("term(field=%d, %x)", t.Field, t.Bytes)
}

func decodeU64Term(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: u64 term of %d bytes", ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Tokenize lowercases s and splits it on anything that is not a letter or
// a digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// encodeStored serializes the stored values of doc.
//
//	count u32 | (field u32, kind u8, payload)...
//
// kind 0 is text (u32 length + bytes), kind 1 is u64.
func encodeStored(schema *Schema, doc *Document) ([]byte, error) {
	var buf []byte
	var n uint32
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	for _, v := range doc.values {
		entry, err := schema.Entry(v.Field)
		if err != nil {
			return nil, err
		}
		if !entry.Stored {
			continue
		}
		n++
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Field))
		switch entry.Type {
		case TypeText:
			buf = append(buf, 0)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Text)))
			buf = append(buf, v.Text...)
		case TypeU64:
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint64(buf, v.U64)
		}
	}
	binary.LittleEndian.PutUint32(buf, n)
	return buf, nil
}

func decodeStored(b []byte) (*Document, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: stored document truncated", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	doc := &Document{values: make([]FieldValue, 0, n)}
	for range n {
		if len(b) < 5 {
			return nil, fmt.Errorf("%w: stored value truncated", ErrCorrupt)
		}
		f := Field(binary.LittleEndian.Uint32(b))
		kind := b[4]
		b = b[5:]
		switch kind {
		case 0:
			if len(b) < 4 {
				return nil, fmt.Errorf("%w: stored text truncated", ErrCorrupt)
			}
			l := binary.LittleEndian.Uint32(b)
			b = b[4:]
			if uint32(len(b)) < l {
				return nil, fmt.Errorf("%w: stored text truncated", ErrCorrupt)
			}
			doc.AddText(f, string(b[:l]))
			b = b[l:]
		case 1:
			if len(b) < 8 {
				return nil, fmt.Errorf("%w: stored u64 truncated", ErrCorrupt)
			}
			doc.AddU64(f, binary.LittleEndian.Uint64(b))
			b = b[8:]
		default:
			return nil, fmt.Errorf("%w: stored value kind %d", ErrCorrupt, kind)
		}
	}
	return doc, nil
}
