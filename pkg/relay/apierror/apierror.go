// Package apierror carries the relay's canonical error taxonomy and its
// mapping onto HTTP statuses for pre-upgrade failures.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Type string

const (
	// TypeAuth covers missing or invalid bearer credentials.
	TypeAuth Type = "auth_error"
	// TypeConfig covers unresolvable request parameters, e.g. an unknown
	// provider id.
	TypeConfig Type = "config_error"
	// TypeQuota covers an exhausted balance; terminal pre-upgrade.
	TypeQuota Type = "quota_error"
	// TypeUpgradeRequired covers plain HTTP requests to the upgrade-only
	// endpoint.
	TypeUpgradeRequired Type = "upgrade_required"
	// TypeUpstream covers upstream connect and protocol failures; surfaced
	// in-band after upgrade, never as an HTTP status.
	TypeUpstream Type = "upstream_error"
	// TypeMetering covers close-time usage logging and debit failures;
	// logged and discarded, never surfaced.
	TypeMetering Type = "metering_error"
	// TypeRateLimit covers per-principal session caps.
	TypeRateLimit Type = "rate_limited"
	// TypeOverloaded covers a draining relay refusing new sessions.
	TypeOverloaded Type = "overloaded"
	// TypeAPI is the fallback for unclassified internal failures.
	TypeAPI Type = "api_error"
)

// Error is the canonical error shape. Code narrows the Type (for example
// upstream_error/connect_failed vs upstream_error/protocol_error).
type Error struct {
	Type      Type   `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Envelope is the JSON body for pre-upgrade error responses.
type Envelope struct {
	Error *Error `json:"error"`
}

// Well-known codes.
const (
	CodeUnauthorized    = "unauthorized"
	CodeUnknownProvider = "unknown_provider"
	CodeQuotaExhausted  = "quota_exhausted"
	CodeConnectFailed   = "connect_failed"
	CodeProtocolError   = "protocol_error"
	CodeLogFailed       = "log_failed"
	CodeDebitFailed     = "debit_failed"
	CodeDraining        = "draining"
)

// FromError normalizes any error into a canonical Error plus the HTTP status
// for a pre-upgrade response. Unknown errors become opaque api_errors so
// internals never leak to callers.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: TypeAPI, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: TypeAPI, Code: "cancelled", Message: "request cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	return &Error{Type: TypeAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

// StatusFromType maps error types to pre-upgrade HTTP statuses.
func StatusFromType(t Type) int {
	switch t {
	case TypeAuth:
		return http.StatusUnauthorized
	case TypeConfig:
		return http.StatusBadRequest
	case TypeQuota:
		return http.StatusPaymentRequired
	case TypeUpgradeRequired:
		return http.StatusUpgradeRequired
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOverloaded:
		return 529
	case TypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
