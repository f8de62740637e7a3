package ingest

import "fmt"

// StorageError wraps any downstream write/read failure from the blob or
// relational store during an ingest. The caller-visible message is
// constant; the wrapped error carries the diagnostics.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to store test results (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
