package domain

import (
	"fmt"
	"strings"
)

// Operation is the change type carried by an envelope.
type Operation string

const (
	OpCreate    Operation = "create"
	OpUpdate    Operation = "update"
	OpDelete    Operation = "delete"
	OpSnapshot  Operation = "snapshot"
	OpTombstone Operation = "tombstone"
)

// KeyField is one identity field of a document key. Order matters:
// composite document ids are derived from fields in their declared order.
type KeyField struct {
	Name  string
	Value string
}

// DocumentKey is the ordered list of identity fields from the message key.
type DocumentKey []KeyField

// DocumentID derives the stable document id: the single field's value form,
// or the values joined with "_" in declared order for composite keys.
// The result is identical for snapshot and streamed events of the same row.
func (k DocumentKey) DocumentID() string {
	switch len(k) {
	case 0:
		return ""
	case 1:
		return k[0].Value
	}
	parts := make([]string, len(k))
	for i, f := range k {
		parts[i] = f.Value
	}
	return strings.Join(parts, "_")
}

// ChangeEnvelope is a decoded change event.
//
// Invariants: After is present iff Operation is Create/Update/Snapshot;
// Before is present iff Operation is Update/Delete; Tombstone has neither
// body and is identified structurally by a nil raw value, not by a field.
type ChangeEnvelope struct {
	Operation   Operation
	Key         DocumentKey
	Before      map[string]interface{}
	After       map[string]interface{}
	Schema      string
	Table       string
	SourceTsMs  int64
	EmittedTsMs int64
}

// ParseErrorKind classifies envelope parse failures.
type ParseErrorKind string

const (
	ErrUnknownOperation  ParseErrorKind = "unknown_operation"
	ErrMissingKey        ParseErrorKind = "missing_key"
	ErrMalformedEnvelope ParseErrorKind = "malformed_envelope"
)

// ParseError is a non-fatal decode failure. The message that caused it is
// counted and skipped; it never aborts the run.
type ParseError struct {
	Kind   ParseErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s): %s", e.Kind, e.Detail)
}

// NewParseError builds a ParseError with a formatted detail message.
func NewParseError(kind ParseErrorKind, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
