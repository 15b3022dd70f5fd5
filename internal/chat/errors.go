package chat

import "errors"

// Error taxonomy shared by the queue, coordinator and API layers.
var (
	ErrNetwork        = errors.New("network error")
	ErrValidation     = errors.New("validation error")
	ErrNotInitialized = errors.New("service not initialized")
	ErrRetryExhausted = errors.New("retry limit reached")
	ErrStorage        = errors.New("storage error")
	ErrRejected       = errors.New("rejected by server")
	ErrNotFound       = errors.New("not found")
)

// Code is the stable string form of an error class, surfaced to the UI layer.
type Code string

const (
	CodeNetwork        Code = "NETWORK_ERROR"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotInitialized Code = "SERVICE_NOT_INITIALIZED"
	CodeRetryExhausted Code = "RETRY_EXHAUSTED"
	CodeStorage        Code = "STORAGE_ERROR"
	CodeRejected       Code = "REJECTED"
	CodeNotFound       Code = "NOT_FOUND"
	CodeUnknown        Code = "UNKNOWN"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrValidation, CodeValidation},
	{ErrNotInitialized, CodeNotInitialized},
	{ErrRetryExhausted, CodeRetryExhausted},
	{ErrRejected, CodeRejected},
	{ErrStorage, CodeStorage},
	{ErrNotFound, CodeNotFound},
	{ErrNetwork, CodeNetwork},
}

// CodeOf classifies err. Returns "" for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Retryable reports whether a transport failure should be retried with backoff.
// Anything not explicitly rejected by the server is treated as transient.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected) && !errors.Is(err, ErrValidation)
}
