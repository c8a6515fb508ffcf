// Package relayerrors defines the stable error codes shared by the relay API,
// the instance control channel, and the client libraries.
package relayerrors

import (
	"fmt"
	"net/http"
)

// Code is a stable, programmatic error identifier carried on the wire.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeNotFound            Code = "not_found"
	CodeAlreadyConsumed     Code = "already_consumed"
	CodeExpired             Code = "expired"
	CodeUnauthorized        Code = "unauthorized"
	CodeVersionIncompatible Code = "version_incompatible"
	CodeTunnelDisconnected  Code = "tunnel_disconnected"
	CodeInstanceOffline     Code = "instance_offline"
	CodeTimeout             Code = "timeout"
	CodeConflict            Code = "conflict"
	CodeInternal            Code = "internal"
)

// Error is the structured error surfaced over HTTP bodies and error frames.
type Error struct {
	Code    Code           `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a code and message.
func E(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches an underlying cause to a coded error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithDetails returns a copy of the error carrying extra detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyConsumed, CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeVersionIncompatible:
		return http.StatusUpgradeRequired
	case CodeTunnelDisconnected:
		return http.StatusBadGateway
	case CodeInstanceOffline:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
