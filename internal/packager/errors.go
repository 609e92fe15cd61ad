package packager

import (
	"errors"
	"fmt"
)

const (
	CodeNoAsset         = "E_NO_ASSET"
	CodeMultipleAssets  = "E_MULTIPLE_ASSETS"
	CodeMissingMetadata = "E_MISSING_METADATA"
	CodeInvalidMetadata = "E_INVALID_METADATA"
	CodeContract        = "E_CONTRACT"
	CodeLoadFailed      = "E_LOAD_FAILED"
	CodeWriteFailed     = "E_WRITE_FAILED"
	CodeExportFailed    = "E_EXPORT_FAILED"
	CodeCatalogFailed   = "E_CATALOG_FAILED"
)

// Error is a packaging failure with a code and a retryability hint. Input
// problems are never retryable; storage problems usually are.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

func inputError(code, format string, args ...any) *Error {
	return wrapError(code, false, fmt.Errorf(format, args...))
}

// CodeOf returns the code carried by err, or "" when it has none.
func CodeOf(err error) string {
	var coded interface{ CodeValue() string }
	if errors.As(err, &coded) {
		return coded.CodeValue()
	}
	return ""
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var coded interface{ RetryableStatus() bool }
	if errors.As(err, &coded) {
		return coded.RetryableStatus()
	}
	return false
}
