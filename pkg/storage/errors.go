package storage

import (
	"fmt"
	"strings"
)

// IOError wraps a local persistence failure (disk full, lock contention,
// closed database). Ingestion drops the message; relay and retention abort
// the current tick.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// WrapIO tags err with the failing operation. A nil err stays nil.
func WrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// SchemaMismatchError means the persisted columns disagree with the active
// registry. It is fatal at startup.
type SchemaMismatchError struct {
	Expected []string
	Found    []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: store has columns [%s], registry expects [%s]",
		strings.Join(e.Found, ","), strings.Join(e.Expected, ","))
}

// CheckColumns compares persisted columns against the expected order
func CheckColumns(expected, found []string) error {
	if len(expected) != len(found) {
		return &SchemaMismatchError{Expected: expected, Found: found}
	}
	for i := range expected {
		if expected[i] != found[i] {
			return &SchemaMismatchError{Expected: expected, Found: found}
		}
	}
	return nil
}

// ColumnCountError is returned when a record's width doesn't match the registry
type ColumnCountError struct {
	Got  int
	Want int
}

func (e *ColumnCountError) Error() string {
	return fmt.Sprintf("record has %d values, registry has %d metrics", e.Got, e.Want)
}
