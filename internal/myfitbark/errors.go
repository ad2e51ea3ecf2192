package myfitbark

import (
	"errors"
	"fmt"

	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

// Failure categories. Transport and protocol failures come from pkg/fitbark.
var (
	ErrPrecondition = errors.New("precondition failure")
	ErrUserInput    = errors.New("invalid input")
)

var (
	ErrMissingCredentials       = fmt.Errorf("%w: client credentials are not set", ErrPrecondition)
	ErrMissingAuthorizationCode = fmt.Errorf("%w: authorization callback carries no code", ErrPrecondition)
	ErrInvalidState             = fmt.Errorf("%w: authorization callback state does not match", ErrPrecondition)
	ErrUnauthorized             = fmt.Errorf("%w: not authorized, sign in first", ErrPrecondition)
	ErrMissingRefreshToken      = fmt.Errorf("%w: no refresh token available", ErrPrecondition)
	ErrRedirectNotValidated     = fmt.Errorf("%w: redirect URI is not registered", ErrPrecondition)
	ErrNoDevices                = fmt.Errorf("%w: no devices associated with account", fitbark.ErrProtocol)
	ErrMalformedRelation        = fmt.Errorf("%w: malformed dog relation", fitbark.ErrProtocol)
	ErrAlreadyRegistered        = fmt.Errorf("%w: entity is already registered", ErrPrecondition)
	ErrNotFound                 = errors.New("not found")
)

type Category int

const (
	Unknown Category = iota
	Transport
	Protocol
	Precondition
	UserInput
)

func (c Category) String() string {
	switch c {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Precondition:
		return "precondition"
	case UserInput:
		return "user-input"
	}
	return "unknown"
}

// CategoryOf classifies an error into the failure taxonomy.
func CategoryOf(err error) Category {
	var fe *fitbark.Error
	switch {
	case err == nil:
		return Unknown
	case errors.As(err, &fe):
		return Transport
	case errors.Is(err, fitbark.ErrProtocol):
		return Protocol
	case errors.Is(err, ErrPrecondition):
		return Precondition
	case errors.Is(err, ErrUserInput):
		return UserInput
	}
	return Unknown
}

// UserMessage renders an error as the readable message attached to a run or a record.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *fitbark.Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fmt.Sprintf("FitBark request %s failed (HTTP %d): %s", fe.Endpoint, fe.StatusCode, fe.Message)
		}
		return fmt.Sprintf("FitBark request %s failed (HTTP %d)", fe.Endpoint, fe.StatusCode)
	}
	return err.Error()
}
