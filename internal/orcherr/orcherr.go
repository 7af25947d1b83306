// Package orcherr defines the orchestrator's error taxonomy.
//
// Every error the orchestrator surfaces to a caller carries a Code matching
// one of the values below and a Recoverable flag, per the error taxonomy.
// The streaming handler commits HTTP 200 before the orchestrator runs, so
// every orchestrator error, including one raised before the first stream
// event, reaches the client as a terminal `error` event rather than as an
// HTTP status; only request-parsing failures in the handler return a 4xx.
package orcherr

import "fmt"

// Code identifies a class of orchestrator error.
type Code string

const (
	CodeConversationLocked     Code = "conversation_locked"
	CodeContextLimitExceeded   Code = "context_limit_exceeded"
	CodeSDKNotInstalled        Code = "sdk_not_installed"
	CodeOptionsError           Code = "options_error"
	CodeModelValidationError   Code = "model_validation_error"
	CodeExecutionError         Code = "execution_error"
	CodeTimeoutError           Code = "timeout_error"
	CodeBackgroundExecution    Code = "background_execution_error"
	CodeBackgroundTask         Code = "background_task_error"
)

// recoverable records which codes are retryable per the spec's taxonomy.
var recoverable = map[Code]bool{
	CodeConversationLocked:   true,
	CodeContextLimitExceeded: false,
	CodeSDKNotInstalled:      false,
	CodeOptionsError:         false,
	CodeModelValidationError: false,
	CodeExecutionError:       false,
	CodeTimeoutError:         true,
	CodeBackgroundExecution:  false,
	CodeBackgroundTask:       false,
}

// Error is a structured orchestrator error.
type Error struct {
	Code       Code
	Message    string
	Recoverable bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error for code, looking up its default recoverability.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Recoverable: recoverable[code]}
}

// Wrap builds an Error for code around a lower-level cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Recoverable: recoverable[code], Cause: cause}
}

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
