package fiscal

import "fmt"

// ErrorCode identifies one failure class in the fiscalization pipeline.
// The set is closed: every code carries an explicit retriable flag so the
// queue's retry decision is exhaustive.
type ErrorCode string

const (
	CodeCertNotFound        ErrorCode = "CERT_NOT_FOUND"
	CodeCertInactive        ErrorCode = "CERT_INACTIVE"
	CodeCertExpired         ErrorCode = "CERT_EXPIRED"
	CodeCertNotYetValid     ErrorCode = "CERT_NOT_YET_VALID"
	CodeCertInvalidPassword ErrorCode = "CERT_INVALID_PASSWORD"
	CodeCertMalformed       ErrorCode = "CERT_MALFORMED"
	CodeCertNoTaxID         ErrorCode = "CERT_NO_TAX_ID"
	CodeCertInvalidTaxID    ErrorCode = "CERT_INVALID_TAX_ID"
	CodeDecryptFailed       ErrorCode = "DECRYPT_FAILED"
	CodeBuildFailed         ErrorCode = "BUILD_FAILED"
	CodeSignFailed          ErrorCode = "SIGN_FAILED"
	CodeSubmitTimeout       ErrorCode = "SUBMIT_TIMEOUT"
	CodeSubmitHTTP          ErrorCode = "SUBMIT_HTTP"
	CodeResponseMalformed   ErrorCode = "RESPONSE_MALFORMED"
	CodeAuthorityRejected   ErrorCode = "AUTHORITY_REJECTED"
)

// retriable holds the retry decision for every code. A code missing from
// this map is treated as non-retriable, which is the safe default for a
// government-facing submission.
var retriable = map[ErrorCode]bool{
	CodeCertInactive:      true, // operator may reactivate the certificate
	CodeSubmitTimeout:     true,
	CodeSubmitHTTP:        true,
	CodeResponseMalformed: true,
}

// Error is a pipeline failure with a stable code, an operator-facing
// message, and the HTTP status of the submission attempt when one was made.
type Error struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int // 0 when no HTTP exchange happened
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether the queue may schedule another attempt for this
// failure class.
func (e *Error) Retriable() bool {
	return retriable[e.Code]
}

// NewError creates a pipeline error without an HTTP status.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewHTTPError creates a pipeline error recording the submission HTTP status.
func NewHTTPError(code ErrorCode, message string, httpStatus int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}
