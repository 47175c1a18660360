package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorKind classifies failures surfaced by the engine.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindFilterSyntax ErrorKind = "filter_syntax"
	KindConnect      ErrorKind = "connect"
	KindAuth         ErrorKind = "auth"
	KindSearch       ErrorKind = "search"
	KindTimeout      ErrorKind = "timeout"
	KindCancelled    ErrorKind = "cancelled"
	KindInternal     ErrorKind = "internal"
)

// Error provides enhanced error information for directory operations.
type Error struct {
	Kind      ErrorKind // Error classification
	Op        string    // The operation that failed
	Code      uint16    // LDAP result code, zero when not from the server
	Message   string    // Human-readable message
	ServerMsg string    // Server-provided message
	DN        string    // DN involved in the operation (if applicable)
	Cause     error     // Underlying error
}

func (e *Error) Error() string {
	var parts []string

	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Op, e.Code))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Op))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newError builds an engine error that did not originate from the server.
func newError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// NewError classifies err as a failure of operation. Server result codes are
// mapped by code; transport failures become connect errors; anything else
// falls back to the kind the operation implies.
func NewError(operation string, err error) *Error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}

	result := &Error{
		Op:    operation,
		Cause: err,
	}

	var ldapResultErr *ldap.Error
	if errors.As(err, &ldapResultErr) {
		result.Code = ldapResultErr.ResultCode
		if ldapResultErr.Err != nil {
			result.ServerMsg = ldapResultErr.Err.Error()
		}
		result.DN = ldapResultErr.MatchedDN
		result.Kind = categorizeError(operation, ldapResultErr)
		result.Message = getLDAPCodeMessage(ldapResultErr.ResultCode)
		return result
	}

	result.Kind = categorizeGenericError(operation, err)
	result.Message = err.Error()
	return result
}

// categorizeError maps a go-ldap result error onto an engine kind.
func categorizeError(operation string, err *ldap.Error) ErrorKind {
	switch err.ResultCode {
	case ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultConnectError:
		if isTimeoutMessage(err.Err) {
			return KindTimeout
		}
		return KindConnect

	case ldap.LDAPResultTimeout:
		return KindTimeout

	case ldap.ErrorFilterCompile, ldap.ErrorFilterDecompile:
		return KindFilterSyntax

	case ldap.LDAPResultFilterError:
		// Rejected by the server after passing local validation.
		if operation == "search" {
			return KindSearch
		}
		return KindFilterSyntax

	case ldap.LDAPResultInvalidCredentials,
		ldap.ErrorEmptyPassword,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultAuthMethodNotSupported,
		ldap.LDAPResultConfidentialityRequired,
		ldap.LDAPResultAuthUnknown:
		return KindAuth

	case ldap.LDAPResultUserCanceled:
		return KindCancelled
	}

	return kindForOperation(operation)
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(operation string, err error) ErrorKind {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") {
		return KindTimeout
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") {
		return KindConnect
	}

	return kindForOperation(operation)
}

func kindForOperation(operation string) ErrorKind {
	switch operation {
	case "connect", "dial", "starttls":
		return KindConnect
	case "bind":
		return KindAuth
	case "build":
		return KindValidation
	default:
		return KindSearch
	}
}

func isTimeoutMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout")
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.ErrorNetwork:
		return "Network error"
	case ldap.ErrorFilterCompile:
		return "Invalid search filter"
	case ldap.LDAPResultOperationsError:
		return "LDAP operations error"
	case ldap.LDAPResultProtocolError:
		return "LDAP protocol error"
	case ldap.LDAPResultTimeLimitExceeded:
		return "LDAP time limit exceeded"
	case ldap.LDAPResultSizeLimitExceeded:
		return "LDAP size limit exceeded"
	case ldap.LDAPResultAuthMethodNotSupported:
		return "Authentication method not supported"
	case ldap.LDAPResultStrongAuthRequired:
		return "Strong authentication required"
	case ldap.LDAPResultReferral:
		return "LDAP referral"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	case ldap.LDAPResultUnavailableCriticalExtension:
		return "Critical extension unavailable"
	case ldap.LDAPResultConfidentialityRequired:
		return "Confidentiality required"
	case ldap.LDAPResultNoSuchAttribute:
		return "Requested attribute does not exist"
	case ldap.LDAPResultUndefinedAttributeType:
		return "Attribute type is not defined"
	case ldap.LDAPResultInappropriateMatching:
		return "Inappropriate matching rule"
	case ldap.LDAPResultNoSuchObject:
		return "Requested object does not exist"
	case ldap.LDAPResultInvalidDNSyntax:
		return "Invalid DN syntax"
	case ldap.LDAPResultAliasDereferencingProblem:
		return "Alias dereferencing problem"
	case ldap.LDAPResultInappropriateAuthentication:
		return "Inappropriate authentication method"
	case ldap.LDAPResultInvalidCredentials:
		return "Invalid credentials"
	case ldap.LDAPResultInsufficientAccessRights:
		return "Insufficient access rights"
	case ldap.LDAPResultBusy:
		return "Server is busy"
	case ldap.LDAPResultUnavailable:
		return "Server is unavailable"
	case ldap.LDAPResultUnwillingToPerform:
		return "Server is unwilling to perform the operation"
	case ldap.LDAPResultServerDown:
		return "Server is down"
	case ldap.LDAPResultTimeout:
		return "Operation timed out"
	case ldap.LDAPResultAuthUnknown:
		return "Unknown authentication method"
	case ldap.LDAPResultFilterError:
		return "Invalid search filter"
	case ldap.LDAPResultUserCanceled:
		return "User canceled operation"
	case ldap.LDAPResultConnectError:
		return "Connection error"
	default:
		return fmt.Sprintf("Unknown LDAP error (code %d)", code)
	}
}

// KindOf returns the kind of err, or KindInternal when err carries no engine
// classification.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}

	var ldapResultErr *ldap.Error
	if errors.As(err, &ldapResultErr) {
		return categorizeError("", ldapResultErr)
	}

	return KindInternal
}

// IsConnectionLevel reports whether err means the transport can no longer be
// trusted.
func IsConnectionLevel(err error) bool {
	switch KindOf(err) {
	case KindConnect, KindTimeout:
		return true
	default:
		return false
	}
}
