package types

import "errors"

// Error is the coded error returned by payfinder components.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrInvalidParams          = "INVALID_PARAMS"
	ErrManifestDownloadFailed = "MANIFEST_DOWNLOAD_FAILED"
	ErrManifestParseFailed    = "MANIFEST_PARSE_FAILED"
	ErrVerificationFailed     = "VERIFICATION_FAILED"
	ErrReadinessFailed        = "READINESS_FAILED"
	ErrConfigError            = "CONFIG_ERROR"
	ErrInventoryError         = "INVENTORY_ERROR"
)

// NewError builds a coded error wrapping err, which may be nil.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
