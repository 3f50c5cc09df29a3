package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by point lookups and by Put against a missing id.
	ErrNotFound = errors.New("store: item not found")
	// ErrConditionFailed is returned when a conditional write loses.
	ErrConditionFailed = errors.New("store: condition failed")
	// ErrUnprocessedItems is returned when a batch call still has unprocessed
	// ids after the retry budget is spent.
	ErrUnprocessedItems = errors.New("store: unprocessed batch items")
	// ErrMalformedCursor is returned for a cursor the driver did not produce.
	ErrMalformedCursor = errors.New("store: malformed cursor")
)

// ValidationError wraps a schema violation on create/put.
type ValidationError struct {
	Type string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnsupportedIndexError is returned for a query key the entity type does not declare.
type UnsupportedIndexError struct {
	Type  string
	Index string
}

func (e *UnsupportedIndexError) Error() string {
	return fmt.Sprintf("store: %s has no index %q", e.Type, e.Index)
}

// UnsupportedEmbedError is returned for a relation name the entity type does not declare.
type UnsupportedEmbedError struct {
	Type     string
	Relation string
}

func (e *UnsupportedEmbedError) Error() string {
	return fmt.Sprintf("store: %s cannot embed %q", e.Type, e.Relation)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsUnsupported reports whether err is an unsupported index or embed error.
func IsUnsupported(err error) bool {
	var idx *UnsupportedIndexError
	var emb *UnsupportedEmbedError
	return errors.As(err, &idx) || errors.As(err, &emb)
}
