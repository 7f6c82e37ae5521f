package qa

import (
	"errors"
	"fmt"
)

// ErrMalformedDocument is returned when a document root is neither an
// object nor an array. No records are produced in that case.
var ErrMalformedDocument = errors.New("malformed document")

// ShapeError reports the Go type found at a document root that cannot be
// extracted.
type ShapeError struct {
	Kind string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("qa: %s: root is %s, want object or array", ErrMalformedDocument, e.Kind)
}

func (e *ShapeError) Unwrap() error { return ErrMalformedDocument }
