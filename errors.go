package msvcore

import (
	"errors"
	"fmt"
)

// ErrUnknownProduct is reported when a name does not resolve to any catalog
// entry. It is the only resolution failure that propagates to callers;
// source-level failures are recorded in SourceResult notes instead.
var ErrUnknownProduct = errors.New("unknown product")

// UnknownProductError carries the name that failed to resolve.
type UnknownProductError struct {
	Name string
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("msvcore: unknown product %q", e.Name)
}

// Is makes errors.Is(err, ErrUnknownProduct) true.
func (e *UnknownProductError) Unwrap() error { return ErrUnknownProduct }
