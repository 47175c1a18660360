package ldap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// SearchRequest is a validated, immutable search for one input row.
type SearchRequest struct {
	base       string
	filter     string
	attributes []string
	scope      SearchScope
	sizeLimit  int
}

// Base returns the search base DN.
func (r *SearchRequest) Base() string { return r.base }

// Filter returns the normalized filter.
func (r *SearchRequest) Filter() string { return r.filter }

// Attributes returns a copy of the requested attributes. Empty means all
// user attributes.
func (r *SearchRequest) Attributes() []string { return slices.Clone(r.attributes) }

// Scope returns the search scope.
func (r *SearchRequest) Scope() SearchScope { return r.scope }

// SizeLimit returns the server-side entry limit, zero for none.
func (r *SearchRequest) SizeLimit() int { return r.sizeLimit }

// protocolRequest renders the request with the given controls.
func (r *SearchRequest) protocolRequest(controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		r.base,
		int(r.scope),
		ldap.NeverDerefAliases,
		r.sizeLimit,
		0,
		false,
		r.filter,
		r.Attributes(),
		controls,
	)
}

// Builder turns raw row text into SearchRequests.
type Builder struct {
	AttributeDelimiter string
	Scope              SearchScope
	SizeLimit          int
}

// NewBuilder returns a Builder for subtree searches with comma-separated
// attribute lists.
func NewBuilder() Builder {
	return Builder{
		AttributeDelimiter: DefaultAttributeDelimiter,
		Scope:              ScopeWholeSubtree,
	}
}

// Build validates the raw base, filter and attribute list of one row. It never
// touches the network.
func (b Builder) Build(rawBase, rawFilter, rawAttributes string) (*SearchRequest, error) {
	base := strings.TrimSpace(rawBase)
	if base == "" {
		return nil, newError(KindValidation, "build", "search base is required", nil)
	}
	if _, err := ldap.ParseDN(base); err != nil {
		buildErr := newError(KindValidation, "build", fmt.Sprintf("invalid search base: %v", err), err)
		buildErr.DN = base
		return nil, buildErr
	}

	if strings.TrimSpace(rawFilter) == "" {
		return nil, newError(KindValidation, "build", "search filter is required", nil)
	}
	filter, err := NormalizeFilter(rawFilter)
	if err != nil {
		return nil, newError(KindFilterSyntax, "build", err.Error(), err)
	}

	if b.SizeLimit < 0 {
		return nil, newError(KindValidation, "build", "size limit cannot be negative", nil)
	}

	return &SearchRequest{
		base:       base,
		filter:     filter,
		attributes: SplitAttributes(rawAttributes, b.delimiter()),
		scope:      b.Scope,
		sizeLimit:  b.SizeLimit,
	}, nil
}

func (b Builder) delimiter() string {
	if b.AttributeDelimiter == "" {
		return DefaultAttributeDelimiter
	}
	return b.AttributeDelimiter
}

// SplitAttributes splits raw on delim, trims each name and drops empties and
// case-insensitive duplicates. The first spelling of a name wins.
func SplitAttributes(raw, delim string) []string {
	var attributes []string
	seen := make(map[string]bool)

	for part := range strings.SplitSeq(raw, delim) {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		attributes = append(attributes, name)
	}

	return attributes
}

// ValueFilter builds an equality filter on field with value escaped.
func ValueFilter(field, value string) (string, error) {
	field, err := searchField(field)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("(%s=%s)", field, ldap.EscapeFilter(value)), nil
}

// WildcardFilter is ValueFilter with '*' kept as a substring wildcard, so
// "smi*" matches every value starting with "smi". All other special
// characters are escaped.
func WildcardFilter(field, value string) (string, error) {
	field, err := searchField(field)
	if err != nil {
		return "", err
	}

	parts := strings.Split(value, "*")
	for i, part := range parts {
		parts[i] = ldap.EscapeFilter(part)
	}

	filter := fmt.Sprintf("(%s=%s)", field, strings.Join(parts, "*"))
	if _, err := ldap.CompileFilter(filter); err != nil {
		return "", newError(KindFilterSyntax, "build", fmt.Sprintf("invalid wildcard value %q", value), err)
	}
	return filter, nil
}

func searchField(field string) (string, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return "", newError(KindValidation, "build", "search field is required", nil)
	}
	if !attributeDescRegex.MatchString(field) {
		return "", newError(KindFilterSyntax, "build", fmt.Sprintf("invalid search field %q", field), nil)
	}
	return field, nil
}
