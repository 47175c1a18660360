package ldap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var output bytes.Buffer
	ctx := tflogtest.RootLogger(t.Context(), &output)
	ctx = tflog.NewSubsystem(ctx, LogSubsystem)
	return ctx, &output
}

func TestSanitizeFields(t *testing.T) {
	fields := map[string]any{
		"bind_dn":       "cn=reader,dc=example,dc=com",
		"Password":      "hunter2",
		"bind_password": "hunter2",
		"note":          "userPassword=hunter2",
		"count":         3,
	}

	sanitized := SanitizeFields(fields)

	assert.Equal(t, "cn=reader,dc=example,dc=com", sanitized["bind_dn"])
	assert.Equal(t, "[REDACTED]", sanitized["Password"])
	assert.Equal(t, "[REDACTED]", sanitized["bind_password"])
	assert.Equal(t, "[REDACTED]", sanitized["note"])
	assert.Equal(t, 3, sanitized["count"])
	assert.Equal(t, "hunter2", fields["Password"], "input must not be modified")
}

func TestLogLDAPError_IncludesDiagnostics(t *testing.T) {
	ctx, output := captureLogs(t)

	err := NewError("search", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("0000208D: NameErr")))
	LogLDAPError(ctx, "paged_search", err, map[string]any{"base_dn": "ou=Missing,dc=example,dc=com"})

	entries, decodeErr := tflogtest.MultilineJSONDecode(output)
	require.NoError(t, decodeErr)
	require.Len(t, entries, 1)

	logged := entries[0]
	assert.Equal(t, "error", logged["@level"])
	assert.Equal(t, "LDAP operation failed", logged["@message"])
	assert.Equal(t, "paged_search", logged["operation"])
	assert.Equal(t, "search", logged["error_kind"])
	assert.Equal(t, "0000208D: NameErr", logged["ldap_diagnostic_message"])
	assert.Equal(t, "ou=Missing,dc=example,dc=com", logged["base_dn"])
}

func TestLogOperation(t *testing.T) {
	ctx, output := captureLogs(t)

	want := errors.New("boom")
	got := LogOperation(ctx, "bind", map[string]any{"server": "ldap://dc1:389"}, func() error {
		return want
	})

	assert.Same(t, want, got)

	entries, err := tflogtest.MultilineJSONDecode(output)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Starting operation", entries[0]["@message"])
	assert.Equal(t, "Operation failed", entries[1]["@message"])
	assert.Equal(t, "boom", entries[1]["error"])
	assert.Contains(t, entries[1], "duration_ms")
}
