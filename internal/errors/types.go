package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the stage of the tagging pipeline an error came from.
type ErrorType string

const (
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeDetection  ErrorType = "detection"
	ErrorTypeGeneration ErrorType = "generation"
	ErrorTypeMutation   ErrorType = "mutation"
	ErrorTypeStore      ErrorType = "store"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeValidation ErrorType = "validation"
)

// TagError is a structured error type with location context.
type TagError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *TagError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *TagError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a TagError with the same type and code.
func (e *TagError) Is(target error) bool {
	var t *TagError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *TagError) WithContext(key string, value interface{}) *TagError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *TagError) WithLocation(filePath string, line, column int) *TagError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithFile sets the file path without a line or column.
func (e *TagError) WithFile(filePath string) *TagError {
	e.FilePath = filePath

	return e
}

// WithComponent records which eltag component raised the error.
func (e *TagError) WithComponent(component string) *TagError {
	e.Component = component

	return e
}

// Common error codes.
const (
	ErrCodeParseFailed      = "ERR_PARSE_FAILED"
	ErrCodeUnsupportedFile  = "ERR_UNSUPPORTED_FILE"
	ErrCodeDetectionFailed  = "ERR_DETECTION_FAILED"
	ErrCodeHashFailed       = "ERR_HASH_FAILED"
	ErrCodeInvalidID        = "ERR_INVALID_ID"
	ErrCodeInvalidTemplate  = "ERR_INVALID_TEMPLATE"
	ErrCodeMutationFailed   = "ERR_MUTATION_FAILED"
	ErrCodePrintFailed      = "ERR_PRINT_FAILED"
	ErrCodeStoreLoad        = "ERR_STORE_LOAD"
	ErrCodeStoreSave        = "ERR_STORE_SAVE"
	ErrCodeMappingNotFound  = "ERR_MAPPING_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound     = "ERR_FILE_NOT_FOUND"
	ErrCodeWriteFailed      = "ERR_WRITE_FAILED"
	ErrCodeValidationFailed = "ERR_VALIDATION_FAILED"
	ErrCodeInvalidFilter    = "ERR_INVALID_FILTER"
)

// Error creation functions

// NewParseError creates a parse error. Parse errors are fatal for the file
// but never for a project run.
func NewParseError(code, message string, cause error) *TagError {
	return &TagError{
		Type:        ErrorTypeParse,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewDetectionError creates a detection error.
func NewDetectionError(code, message string, cause error) *TagError {
	return &TagError{
		Type:        ErrorTypeDetection,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewGenerationError creates an identifier generation error.
func NewGenerationError(code, message string, cause error) *TagError {
	return &TagError{
		Type:        ErrorTypeGeneration,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewMutationError creates a mutation error.
func NewMutationError(code, message string, cause error) *TagError {
	return &TagError{
		Type:        ErrorTypeMutation,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewStoreError creates a mapping store error.
func NewStoreError(code, message string, cause error) *TagError {
	return &TagError{
		Type:        ErrorTypeStore,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *TagError {
	return &TagError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *TagError {
	return &TagError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *TagError {
	return &TagError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var te *TagError
	if errors.As(err, &te) {
		return te.Recoverable
	}

	return false
}

// IsType reports whether err is a TagError of the given type.
func IsType(err error, t ErrorType) bool {
	var te *TagError
	if errors.As(err, &te) {
		return te.Type == t
	}

	return false
}

// TypeOf returns the TagError type of err, or "" for foreign errors.
func TypeOf(err error) ErrorType {
	var te *TagError
	if errors.As(err, &te) {
		return te.Type
	}

	return ""
}

// Helper functions for common errors

// ErrMappingNotFound creates a lookup miss error for an identifier.
func ErrMappingNotFound(id string) *TagError {
	return NewStoreError(ErrCodeMappingNotFound, "mapping not found: "+id, nil).
		WithContext("id", id)
}

// ErrUnsupportedFile creates an error for a file no parser handles.
func ErrUnsupportedFile(path string) *TagError {
	return NewParseError(ErrCodeUnsupportedFile, "no parser registered for file", nil).
		WithFile(path)
}

// ErrInvalidID creates an identifier validation error.
func ErrInvalidID(id, reason string) *TagError {
	return NewValidationError(ErrCodeInvalidID, fmt.Sprintf("invalid identifier %q: %s", id, reason)).
		WithContext("id", id)
}
