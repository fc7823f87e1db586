// Package imgerr holds the error categories shared by every stage of an image
// build. Errors are categorised with go-errcat so callers can branch on the
// kind of failure without matching message text.
package imgerr

import (
	"errors"
	"fmt"

	"github.com/warpfork/go-errcat"
)

// Category identifies the class of a failure.
type Category string

const (
	// ErrSpec marks a malformed or incomplete image specification.
	ErrSpec Category = "imgbuild-spec"
	// ErrInvalidSizeUnit marks a size token whose unit letter is unknown.
	ErrInvalidSizeUnit Category = "imgbuild-spec-size-unit"
	// ErrInvalidSizeValue marks a size token whose numeric part is invalid.
	ErrInvalidSizeValue Category = "imgbuild-spec-size-value"
	// ErrLayout marks sector arithmetic that violates a layout invariant.
	ErrLayout Category = "imgbuild-layout"
	// ErrCollaborator marks an external tool that returned an unexpected status.
	ErrCollaborator Category = "imgbuild-collaborator"
	// ErrIO marks a failed scratch allocation, copy or commit.
	ErrIO Category = "imgbuild-io"
)

// Errorf returns a categorised error.
func Errorf(category Category, format string, args ...any) error {
	return errcat.Errorf(category, format, args...)
}

// Wrap categorises err while keeping it reachable through errors.Is/As.
func Wrap(category Category, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errcat.Errorf(category, format, args...), err)
}

// CategoryOf returns the first category found in err's chain, or "" when the
// error carries none.
func CategoryOf(err error) Category {
	var categorised errcat.Error
	if !errors.As(err, &categorised) {
		return ""
	}
	category, _ := categorised.Category().(Category)
	return category
}

// Class folds the size-token categories into ErrSpec so callers only deal with
// the four top-level classes.
func Class(err error) Category {
	switch category := CategoryOf(err); category {
	case ErrInvalidSizeUnit, ErrInvalidSizeValue:
		return ErrSpec
	default:
		return category
	}
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
