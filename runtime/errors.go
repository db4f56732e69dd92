package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deicod/asyncjinja/lexer"
	"github.com/deicod/asyncjinja/nodes"
	"github.com/deicod/asyncjinja/parser"
)

// ErrorType represents different types of runtime errors
type ErrorType string

const (
	ErrorTypeTemplate    ErrorType = "template_error"
	ErrorTypeUndefined   ErrorType = "undefined_error"
	ErrorTypeSecurity    ErrorType = "security_error"
	ErrorTypeFilter      ErrorType = "filter_error"
	ErrorTypeTest        ErrorType = "test_error"
	ErrorTypeAssignment  ErrorType = "assignment_error"
	ErrorTypeMacro       ErrorType = "macro_error"
	ErrorTypeImport      ErrorType = "import_error"
	ErrorTypeInheritance ErrorType = "inheritance_error"
)

var (
	// ErrTemplateNotFound is matched by every not-found error the loaders and
	// the environment return.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrBackendUnavailable marks bytecode cache failures that were absorbed.
	// It never reaches callers of the resolution entry points.
	ErrBackendUnavailable = errors.New("bytecode cache backend unavailable")
)

// Error represents a runtime error with position information
type Error struct {
	Type     ErrorType
	Message  string
	Template string
	Position nodes.Position
	Node     nodes.Node
	Cause    error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Position.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Position.Line)
		if e.Position.Column > 0 {
			fmt.Fprintf(&b, ", column %d", e.Position.Column)
		}
	}
	if e.Template != "" {
		fmt.Fprintf(&b, " in %s", e.Template)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new runtime error
func NewError(errorType ErrorType, message string, position nodes.Position, node nodes.Node) *Error {
	return &Error{
		Type:     errorType,
		Message:  message,
		Position: position,
		Node:     node,
	}
}

// NewErrorWithCause creates a new runtime error with an underlying cause
func NewErrorWithCause(errorType ErrorType, message string, position nodes.Position, node nodes.Node, cause error) *Error {
	return &Error{
		Type:     errorType,
		Message:  message,
		Position: position,
		Node:     node,
		Cause:    cause,
	}
}

// WrapError attaches position information to err. Errors that already carry
// a position, syntax errors and context errors pass through untouched.
func WrapError(err error, position nodes.Position, node nodes.Node) error {
	if err == nil {
		return nil
	}

	var rtErr *Error
	switch {
	case errors.As(err, &rtErr):
		if rtErr.Position.Line == 0 && position.Line != 0 {
			rtErr.Position = position
			rtErr.Node = node
		}
		return err
	case IsNotFound(err), IsSyntaxError(err), isContextError(err):
		return err
	default:
		return &Error{
			Type:     ErrorTypeTemplate,
			Message:  err.Error(),
			Position: position,
			Node:     node,
			Cause:    err,
		}
	}
}

// UndefinedError represents an undefined variable error
type UndefinedError struct {
	error
	Name string
}

// NewUndefinedError creates a new undefined variable error
func NewUndefinedError(name string, position nodes.Position, node nodes.Node) *UndefinedError {
	return &UndefinedError{
		error: NewError(ErrorTypeUndefined, fmt.Sprintf("'%s' is undefined", name), position, node),
		Name:  name,
	}
}

func (e *UndefinedError) Unwrap() error { return e.error }

// SecurityError is returned when the configured Policy denies an operation.
type SecurityError struct {
	error
	Operation string
}

// NewSecurityError creates a new security error
func NewSecurityError(operation, message string, position nodes.Position, node nodes.Node) *SecurityError {
	return &SecurityError{
		error:     NewError(ErrorTypeSecurity, message, position, node),
		Operation: operation,
	}
}

func (e *SecurityError) Unwrap() error { return e.error }

// FilterError represents a filter-related error
type FilterError struct {
	error
	FilterName string
}

// NewFilterError creates a new filter error
func NewFilterError(filterName, message string, position nodes.Position, node nodes.Node, cause error) *FilterError {
	return &FilterError{
		error:      NewErrorWithCause(ErrorTypeFilter, fmt.Sprintf("filter '%s': %s", filterName, message), position, node, cause),
		FilterName: filterName,
	}
}

func (e *FilterError) Unwrap() error { return e.error }

// TestError represents a test-related error
type TestError struct {
	error
	TestName string
}

// NewTestError creates a new test error
func NewTestError(testName, message string, position nodes.Position, node nodes.Node, cause error) *TestError {
	return &TestError{
		error:    NewErrorWithCause(ErrorTypeTest, fmt.Sprintf("test '%s': %s", testName, message), position, node, cause),
		TestName: testName,
	}
}

func (e *TestError) Unwrap() error { return e.error }

// AssignmentError represents an assignment-related error
type AssignmentError struct {
	error
	Target string
}

// NewAssignmentError creates a new assignment error
func NewAssignmentError(target, message string, position nodes.Position, node nodes.Node) *AssignmentError {
	return &AssignmentError{
		error:  NewError(ErrorTypeAssignment, fmt.Sprintf("cannot assign to %s: %s", target, message), position, node),
		Target: target,
	}
}

func (e *AssignmentError) Unwrap() error { return e.error }

// MacroError represents a macro-related error
type MacroError struct {
	error
	MacroName string
}

// NewMacroError creates a new macro error
func NewMacroError(macroName, message string, position nodes.Position, node nodes.Node) *MacroError {
	return &MacroError{
		error:     NewError(ErrorTypeMacro, fmt.Sprintf("macro '%s': %s", macroName, message), position, node),
		MacroName: macroName,
	}
}

func (e *MacroError) Unwrap() error { return e.error }

// ImportError represents an import-related error
type ImportError struct {
	error
	TemplateName string
}

// NewImportError creates a new import error
func NewImportError(templateName, message string, position nodes.Position, node nodes.Node) *ImportError {
	return &ImportError{
		error:        NewError(ErrorTypeImport, fmt.Sprintf("import '%s': %s", templateName, message), position, node),
		TemplateName: templateName,
	}
}

func (e *ImportError) Unwrap() error { return e.error }

// TemplateNotFoundError represents an error when a single template cannot be located.
type TemplateNotFoundError struct {
	Name  string
	Tried []string
	Cause error
}

// NewTemplateNotFound creates a TemplateNotFoundError with optional tried locations and cause.
func NewTemplateNotFound(name string, tried []string, cause error) *TemplateNotFoundError {
	return &TemplateNotFoundError{
		Name:  name,
		Tried: append([]string(nil), tried...),
		Cause: cause,
	}
}

func (e *TemplateNotFoundError) Error() string {
	message := fmt.Sprintf("template %s not found", e.Name)
	if len(e.Tried) > 0 {
		message = fmt.Sprintf("%s (tried: %s)", message, strings.Join(e.Tried, ", "))
	}
	return message
}

func (e *TemplateNotFoundError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrTemplateNotFound.
func (e *TemplateNotFoundError) Is(target error) bool {
	return target == ErrTemplateNotFound
}

// TemplatesNotFoundError represents an error when none of a set of templates can be located.
type TemplatesNotFoundError struct {
	Names []string
	Tried []string
	Cause error
}

// NewTemplatesNotFound creates a TemplatesNotFoundError with optional tried locations and cause.
func NewTemplatesNotFound(names []string, tried []string, cause error) *TemplatesNotFoundError {
	return &TemplatesNotFoundError{
		Names: append([]string(nil), names...),
		Tried: append([]string(nil), tried...),
		Cause: cause,
	}
}

func (e *TemplatesNotFoundError) Error() string {
	message := "tried to select from an empty list of templates"
	if len(e.Names) > 0 {
		message = fmt.Sprintf("none of the templates given were found: %s", strings.Join(e.Names, ", "))
	}
	if len(e.Tried) > 0 {
		message = fmt.Sprintf("%s (tried: %s)", message, strings.Join(e.Tried, ", "))
	}
	return message
}

func (e *TemplatesNotFoundError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrTemplateNotFound.
func (e *TemplatesNotFoundError) Is(target error) bool {
	return target == ErrTemplateNotFound
}

// ConfigurationError reports a misconfigured environment, loader or option
// combination. Unsupported capabilities wrap errors.ErrUnsupported.
type ConfigurationError struct {
	Option  string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	if e.Option == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration %s: %s", e.Option, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

func unsupported(option, message string) *ConfigurationError {
	return &ConfigurationError{Option: option, Message: message, Cause: errors.ErrUnsupported}
}

// IsNotFound reports whether err is a not-found error from a loader or a
// resolution entry point.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

// IsSyntaxError reports whether err came from lexing or parsing a template.
func IsSyntaxError(err error) bool {
	if err == nil {
		return false
	}
	var syntaxErr *parser.TemplateSyntaxError
	var assertErr *parser.TemplateAssertionError
	var lexErr lexer.LexerError
	var lexPtr *lexer.LexerError
	return errors.As(err, &syntaxErr) || errors.As(err, &assertErr) ||
		errors.As(err, &lexErr) || errors.As(err, &lexPtr)
}

// IsUndefinedError checks if an error is an undefined variable error
func IsUndefinedError(err error) bool {
	var undefErr *UndefinedError
	return errors.As(err, &undefErr)
}

// IsSecurityError checks if an error is a security error
func IsSecurityError(err error) bool {
	var secErr *SecurityError
	return errors.As(err, &secErr)
}

// IsFilterError checks if an error is a filter error
func IsFilterError(err error) bool {
	var filterErr *FilterError
	return errors.As(err, &filterErr)
}

// IsMacroError checks if an error is a macro error
func IsMacroError(err error) bool {
	var macroErr *MacroError
	return errors.As(err, &macroErr)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
