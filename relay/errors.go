package relay

import (
	"errors"
	"fmt"
)

const (
	ValidationError = iota

	PreconditionError

	ConnectionError

	AuthenticationError

	NotConnectedError

	DisconnectedError

	StorageError

	EncryptionInitError

	DuplicateIDError

	RejectedError

	TimedOutError

	ClosedError

	UnknownError
)

// Error is the typed error returned by relay operations.
type Error struct {
	Code    int
	Message string
	Cause   error
}

// Sentinels for errors.Is matching by code.
var (
	ErrValidation     = &Error{Code: ValidationError}
	ErrPrecondition   = &Error{Code: PreconditionError}
	ErrConnection     = &Error{Code: ConnectionError}
	ErrAuthentication = &Error{Code: AuthenticationError}
	ErrNotConnected   = &Error{Code: NotConnectedError}
	ErrDisconnected   = &Error{Code: DisconnectedError}
	ErrStorage        = &Error{Code: StorageError}
	ErrEncryptionInit = &Error{Code: EncryptionInitError}
	ErrDuplicateID    = &Error{Code: DuplicateIDError}
	ErrRejected       = &Error{Code: RejectedError}
	ErrTimedOut       = &Error{Code: TimedOutError}
	ErrClosed         = &Error{Code: ClosedError}
)

func (err *Error) Error() string {
	text := errorName(err.Code)
	if err.Message != "" {
		text += ": " + err.Message
	}
	if err.Cause != nil {
		text += ": " + err.Cause.Error()
	}
	return text
}

// Unwrap returns the underlying cause.
func (err *Error) Unwrap() error {
	return err.Cause
}

// Is matches another *Error with the same code. A target carrying a message
// must match it too.
func (err *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Code != err.Code {
		return false
	}
	return other.Message == "" || other.Message == err.Message
}

func errorName(errorCode int) string {
	switch errorCode {
	case ValidationError:
		return "ValidationError"
	case PreconditionError:
		return "PreconditionError"
	case ConnectionError:
		return "ConnectionError"
	case AuthenticationError:
		return "AuthenticationError"
	case NotConnectedError:
		return "NotConnectedError"
	case DisconnectedError:
		return "DisconnectedError"
	case StorageError:
		return "StorageError"
	case EncryptionInitError:
		return "EncryptionInitError"
	case DuplicateIDError:
		return "DuplicateIDError"
	case RejectedError:
		return "RejectedError"
	case TimedOutError:
		return "TimedOutError"
	case ClosedError:
		return "ClosedError"
	default:
		return "UnknownError"
	}
}

// NewError builds a typed error. The first message argument is the text; an
// error argument anywhere in message becomes the cause.
func NewError(errorCode int, message ...interface{}) error {
	result := &Error{Code: errorCode}
	for _, part := range message {
		switch value := part.(type) {
		case error:
			if result.Cause == nil {
				result.Cause = value
			}
		case string:
			if result.Message == "" {
				result.Message = value
			}
		default:
			if result.Message == "" {
				result.Message = fmt.Sprint(value)
			}
		}
	}
	return result
}

// IsCode reports whether err wraps a relay error with code.
func IsCode(err error, errorCode int) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == errorCode
}

// Code returns the relay error code wrapped by err, or UnknownError.
func Code(err error) int {
	var typed *Error
	if !errors.As(err, &typed) {
		return UnknownError
	}
	return typed.Code
}
