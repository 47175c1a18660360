package ldap

import (
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EntryAttribute holds the values of one attribute as delivered by the server.
type EntryAttribute struct {
	Name       string
	Values     []string
	ByteValues [][]byte
}

// DirectoryEntry is one search result entry. Attributes keep server order.
type DirectoryEntry struct {
	DN         string
	Attributes []EntryAttribute
}

// NewDirectoryEntry copies a go-ldap entry.
func NewDirectoryEntry(entry *ldap.Entry) *DirectoryEntry {
	if entry == nil {
		return nil
	}

	result := &DirectoryEntry{
		DN:         entry.DN,
		Attributes: make([]EntryAttribute, 0, len(entry.Attributes)),
	}
	for _, attr := range entry.Attributes {
		result.Attributes = append(result.Attributes, EntryAttribute{
			Name:       attr.Name,
			Values:     slices.Clone(attr.Values),
			ByteValues: slices.Clone(attr.ByteValues),
		})
	}

	return result
}

// Get looks up an attribute by case-insensitive name.
func (e *DirectoryEntry) Get(name string) (EntryAttribute, bool) {
	for _, attr := range e.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr, true
		}
	}
	return EntryAttribute{}, false
}

// Names returns the attribute names in server order.
func (e *DirectoryEntry) Names() []string {
	names := make([]string, 0, len(e.Attributes))
	for _, attr := range e.Attributes {
		names = append(names, attr.Name)
	}
	return names
}

// raw returns the values as bytes, preferring ByteValues when they line up
// with Values.
func (a EntryAttribute) raw() [][]byte {
	if len(a.ByteValues) > 0 && len(a.ByteValues) >= len(a.Values) {
		return a.ByteValues
	}

	out := make([][]byte, len(a.Values))
	for i, v := range a.Values {
		out[i] = []byte(v)
	}
	return out
}
