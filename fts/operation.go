package fts

// Opstamp is the sequence number the writer assigns to every operation.
// A delete removes only documents added with a smaller opstamp.
type Opstamp uint64

// OperationKind distinguishes UserOperation variants.
type OperationKind uint8

const (
	OpAdd OperationKind = iota
	OpDelete
)

// UserOperation is one queued write: add a document or delete every
// document containing a term.
type UserOperation struct {
	Kind OperationKind
	Doc  *Document
	Term Term
}

// AddOperation returns an operation adding doc.
func AddOperation(doc *Document) UserOperation {
	return UserOperation{Kind: OpAdd, Doc: doc}
}

// DeleteOperation returns an operation deleting all documents containing term.
func DeleteOperation(term Term) UserOperation {
	return UserOperation{Kind: OpDelete, Term: term}
}
