package compiler

import (
	"errors"
	"fmt"
)

// ErrInvalidStructure is matched by every structural compile failure.
var ErrInvalidStructure = errors.New("invalid template structure")

// StructureError reports a template whose statements are arranged in a way
// that can never render, such as extends inside a loop.
type StructureError struct {
	Name    string
	Line    int
	Message string
}

func (e *StructureError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s at line %d in %s", e.Message, e.Line, e.Name)
	}
	return fmt.Sprintf("%s at line %d", e.Message, e.Line)
}

func (e *StructureError) Unwrap() error {
	return ErrInvalidStructure
}
