package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// LogSubsystem is the tflog subsystem used by the engine.
const LogSubsystem = "ldap"

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	logFields := make(map[string]any, len(fields)+3)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation

	tflog.SubsystemDebug(ctx, LogSubsystem, "Starting operation", logFields)

	err := fn()

	logFields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		logFields["error"] = err.Error()
		tflog.SubsystemDebug(ctx, LogSubsystem, "Operation failed", logFields)
	} else {
		tflog.SubsystemDebug(ctx, LogSubsystem, "Operation completed successfully", logFields)
	}

	return err
}

// LogPerformance logs performance metrics for an operation.
func LogPerformance(ctx context.Context, operation string, duration time.Duration, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+2)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation
	logFields["duration_ms"] = duration.Milliseconds()

	// Log performance warnings for slow operations
	if duration > 5*time.Second {
		tflog.SubsystemWarn(ctx, LogSubsystem, "Slow operation detected", logFields)
	} else if duration > 1*time.Second {
		tflog.SubsystemInfo(ctx, LogSubsystem, "Operation performance", logFields)
	} else {
		tflog.SubsystemDebug(ctx, LogSubsystem, "Operation performance", logFields)
	}
}

// LogLDAPError logs error information, including server diagnostics when present.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+6)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation
	logFields["error"] = err.Error()

	var engineErr *Error
	if errors.As(err, &engineErr) {
		logFields["error_kind"] = string(engineErr.Kind)
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		logFields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			logFields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			logFields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, LogSubsystem, "LDAP operation failed", SanitizeFields(logFields))
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+1)
	maps.Copy(logFields, fields)
	logFields["event"] = event
	logFields = SanitizeFields(logFields)

	switch event {
	case "connection_established", "authentication_success":
		tflog.SubsystemInfo(ctx, LogSubsystem, "Connection event", logFields)
	case "connection_failed", "authentication_failed", "connection_lost":
		tflog.SubsystemError(ctx, LogSubsystem, "Connection event", logFields)
	default:
		tflog.SubsystemDebug(ctx, LogSubsystem, "Connection event", logFields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":      true,
		"passwd":        true,
		"bind_password": true,
		"secret":        true,
		"token":         true,
		"credential":    true,
		"credentials":   true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"userpassword=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
