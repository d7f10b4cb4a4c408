// Package errors provides structured error handling with protocol mappings.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Signature errors
	CodeInvalidSignature Code = "INVALID_SIGNATURE"

	// Transaction errors
	CodeInvalidTransactionState Code = "INVALID_TRANSACTION_STATE"
	CodeTransactionNotFound     Code = "TRANSACTION_NOT_FOUND"
	CodeItemNotFound            Code = "ITEM_NOT_FOUND"

	// Callback errors
	CodeMalformedCallback Code = "MALFORMED_CALLBACK"
	CodeStaleCallback     Code = "STALE_CALLBACK"
	CodeAwaitTimeout      Code = "AWAIT_TIMEOUT"

	// Network errors
	CodeUpstreamNack        Code = "UPSTREAM_NACK"
	CodeGatewayUnavailable  Code = "GATEWAY_UNAVAILABLE"
	CodeRegistryUnavailable Code = "REGISTRY_UNAVAILABLE"

	// Grievance errors
	CodeDuplicateIssue         Code = "DUPLICATE_ISSUE"
	CodeIssueNotFound          Code = "ISSUE_NOT_FOUND"
	CodeInvalidIssueTransition Code = "INVALID_ISSUE_TRANSITION"

	// Settlement errors
	CodeMalformedSettlement Code = "MALFORMED_SETTLEMENT"

	// Client API errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInvalidRequest  Code = "INVALID_REQUEST"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// Beckn protocol error codes carried in NACK responses.
const (
	BecknContextError      = "30000"
	BecknAuthError         = "30001"
	BecknInvalidRequest    = "30002"
	BecknBusinessRuleError = "30003"
	BecknPolicyError       = "30004"
)

// HTTPStatus maps the code to the status used on client-facing responses.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidSignature, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidTransactionState, CodeInvalidIssueTransition, CodeConflict:
		return http.StatusConflict
	case CodeTransactionNotFound, CodeItemNotFound, CodeIssueNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateIssue:
		return http.StatusConflict
	case CodeMalformedCallback, CodeMalformedSettlement, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAwaitTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamNack, CodeGatewayUnavailable, CodeRegistryUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BecknCode maps the code to the protocol error code used in NACK bodies.
func (c Code) BecknCode() string {
	switch c {
	case CodeInvalidSignature, CodeUnauthenticated:
		return BecknAuthError
	case CodeMalformedCallback, CodeMalformedSettlement, CodeInvalidRequest:
		return BecknInvalidRequest
	case CodeInvalidTransactionState, CodeInvalidIssueTransition, CodeDuplicateIssue, CodeStaleCallback, CodeConflict:
		return BecknBusinessRuleError
	case CodeTransactionNotFound, CodeItemNotFound, CodeIssueNotFound, CodeNotFound:
		return BecknContextError
	default:
		return BecknContextError
	}
}
