package types

import "errors"

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidSubstate      = errors.New("invalid detailed state")
	ErrInvalidSummaryState  = errors.New("invalid summary state")
	ErrTransportTimeout     = errors.New("transport timeout")
	ErrTransportClosed      = errors.New("transport closed")
	ErrNotConnected         = errors.New("not connected")
	ErrDeviceError          = errors.New("device error")
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrNotImplemented       = errors.New("not implemented")
	ErrPartialScan          = errors.New("partial scan")
)

// Bus error codes, stable across the HTTP and RPC front ends.
const (
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeInvalidSubstate      = "INVALID_SUBSTATE"
	CodeInvalidSummaryState  = "INVALID_SUMMARY_STATE"
	CodeTransportTimeout     = "TRANSPORT_TIMEOUT"
	CodeTransportClosed      = "TRANSPORT_CLOSED"
	CodeNotConnected         = "NOT_CONNECTED"
	CodeDeviceError          = "DEVICE_ERROR"
	CodeConfigurationInvalid = "CONFIGURATION_INVALID"
	CodeNotImplemented       = "NOT_IMPLEMENTED"
	CodePartialScan          = "PARTIAL_SCAN"
	CodeInternal             = "INTERNAL"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrInvalidSubstate, CodeInvalidSubstate},
	{ErrInvalidSummaryState, CodeInvalidSummaryState},
	{ErrPartialScan, CodePartialScan},
	{ErrTransportTimeout, CodeTransportTimeout},
	{ErrTransportClosed, CodeTransportClosed},
	{ErrNotConnected, CodeNotConnected},
	{ErrDeviceError, CodeDeviceError},
	{ErrConfigurationInvalid, CodeConfigurationInvalid},
	{ErrNotImplemented, CodeNotImplemented},
}

// ErrorCode classifies err into a bus error code. nil yields "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
