package ldap

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Filter syntax errors.
var (
	ErrEmptyFilter      = errors.New("empty filter")
	ErrUnbalancedParens = errors.New("unbalanced parentheses")
	ErrInvalidFilter    = errors.New("invalid filter syntax")
	ErrUnknownOperator  = errors.New("unknown filter operator")
)

var (
	// Attribute description: descriptor or OID, with optional options.
	attributeDescRegex = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*|[0-9]+(\.[0-9]+)*)(;[A-Za-z0-9-]+)*$`)

	// Left-hand side of an extensible match: [attr][:dn][:rule]
	extensibleRegex = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*|[0-9]+(\.[0-9]+)*)?(;[A-Za-z0-9-]+)*(:[dD][nN])?(:[A-Za-z0-9.-]+)?$`)
)

// NormalizeFilter trims raw, wraps a bare simple item such as cn=foo in
// parentheses, and checks the result against RFC 4515 syntax.
func NormalizeFilter(raw string) (string, error) {
	filter := strings.TrimSpace(raw)
	if filter == "" {
		return "", ErrEmptyFilter
	}

	if !strings.ContainsAny(filter, "()") {
		filter = "(" + filter + ")"
	}

	if err := checkBalanced(filter); err != nil {
		return "", err
	}

	rest, err := parseFilterExpr(filter)
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", fmt.Errorf("%w: unexpected input after filter: %q", ErrInvalidFilter, rest)
	}

	if _, err := ldap.CompileFilter(filter); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	return filter, nil
}

// checkBalanced scans parentheses. Literal parentheses inside values must be
// hex-escaped (\28, \29), so every raw paren is structural.
func checkBalanced(s string) error {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unexpected ')' at offset %d", ErrUnbalancedParens, i)
			}
		}
	}

	if depth != 0 {
		return fmt.Errorf("%w: %d unclosed '('", ErrUnbalancedParens, depth)
	}

	return nil
}

// parseFilterExpr consumes one parenthesised filter and returns the remainder.
func parseFilterExpr(s string) (string, error) {
	if s == "" || s[0] != '(' {
		return "", fmt.Errorf("%w: expected '('", ErrInvalidFilter)
	}
	s = s[1:]
	if s == "" || s[0] == ')' {
		return "", ErrEmptyFilter
	}

	var err error
	switch s[0] {
	case '&', '|':
		op := s[0]
		s = s[1:]
		count := 0
		for s != "" && s[0] == '(' {
			if s, err = parseFilterExpr(s); err != nil {
				return "", err
			}
			count++
		}
		if count == 0 {
			return "", fmt.Errorf("%w: '%c' needs at least one component", ErrInvalidFilter, op)
		}
	case '!':
		if s, err = parseFilterExpr(s[1:]); err != nil {
			return "", err
		}
	default:
		end := strings.IndexByte(s, ')')
		if err := checkItem(s[:end]); err != nil {
			return "", err
		}
		s = s[end:]
	}

	if s == "" || s[0] != ')' {
		return "", fmt.Errorf("%w: expected ')'", ErrInvalidFilter)
	}
	return s[1:], nil
}

// checkItem validates a simple item such as cn=foo, age>=3 or cn:dn:=x.
func checkItem(item string) error {
	idx := strings.IndexByte(item, '=')
	if idx < 0 {
		return fmt.Errorf("%w: no operator in %q", ErrUnknownOperator, item)
	}
	if idx == 0 {
		return fmt.Errorf("%w: missing attribute in %q", ErrInvalidFilter, item)
	}

	attr := item[:idx]
	value := item[idx+1:]

	switch attr[len(attr)-1] {
	case '~', '>', '<':
		attr = attr[:len(attr)-1]
	case ':':
		attr = attr[:len(attr)-1]
		if attr == "" || !extensibleRegex.MatchString(attr) {
			return fmt.Errorf("%w: malformed extensible match %q", ErrInvalidFilter, item)
		}
		return checkValue(item, value)
	}

	if !attributeDescRegex.MatchString(attr) {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, item)
	}

	return checkValue(item, value)
}

// checkValue rejects unescaped '(' and malformed \XX escapes.
func checkValue(item, value string) error {
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '(':
			return fmt.Errorf("%w: unescaped '(' in %q", ErrInvalidFilter, item)
		case '\\':
			if i+2 >= len(value) {
				return fmt.Errorf("%w: truncated escape in %q", ErrInvalidFilter, item)
			}
			if !isHex(value[i+1]) || !isHex(value[i+2]) {
				return fmt.Errorf("%w: invalid escape in %q", ErrInvalidFilter, item)
			}
			i += 2
		}
	}
	return nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
