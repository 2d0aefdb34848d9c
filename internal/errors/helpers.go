package errors

import (
	"fmt"
)

// NewStorageError creates a storage error with operation context.
func NewStorageError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStorageQuery, fmt.Sprintf("storage %s failed", operation)).
		WithContext("operation", operation)
}

// NewRelayError creates an error for a failed relay API call. 5xx, 408 and
// 429 responses are retryable; the message stays pending and the pending
// buffer takes care of the retry.
func NewRelayError(endpoint string, statusCode int, err error) *AppError {
	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408 || statusCode == 0

	appErr := Wrap(err, ErrCodeRelayAPI, "relay API call failed").
		WithContext("endpoint", endpoint)
	if statusCode > 0 {
		appErr = appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = retryable
	return appErr
}

// NewTransportError creates an error for a direct transport failure. These
// are always retryable: the connection manager demotes the link and the
// relay fallback takes over.
func NewTransportError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransport, fmt.Sprintf("transport %s failed", operation)).
		WithContext("operation", operation)
}

// NewDecryptError creates an error for an undecryptable unit. Never
// retryable: the unit is dropped.
func NewDecryptError(source string, err error) *AppError {
	return Wrap(err, ErrCodeDecrypt, "decryption failed").
		WithContext("source", source)
}

// NewVaultError creates an error for a local vault operation.
func NewVaultError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeVault, fmt.Sprintf("vault %s failed", operation)).
		WithContext("operation", operation)
}
