package ldap

import (
	"strings"
)

// ResultRecord is one entry flattened to text. Values has exactly the keys of
// the column set it was built for.
type ResultRecord struct {
	DN     string
	Values map[string]string
}

// RecordSet is the normalized output of one search.
type RecordSet struct {
	Columns []string
	Records []ResultRecord
}

// Normalizer flattens DirectoryEntries into ResultRecords.
type Normalizer struct {
	Separator string
	Renderer  ValueRenderer
}

// NewNormalizer returns a Normalizer joining multiple values with separator.
// An empty separator selects DefaultValueSeparator.
func NewNormalizer(separator string) *Normalizer {
	if separator == "" {
		separator = DefaultValueSeparator
	}
	return &Normalizer{
		Separator: separator,
		Renderer:  DefaultRenderer,
	}
}

// Normalize maps entry onto the requested attribute names. Matching is
// case-insensitive; absent attributes map to "" and multiple values are
// joined with the separator. With no requested names the entry's own
// attribute names are used.
func (n *Normalizer) Normalize(entry *DirectoryEntry, requested []string) ResultRecord {
	columns := requested
	if len(columns) == 0 {
		columns = ColumnsFor([]*DirectoryEntry{entry}, nil)
	}

	record := ResultRecord{
		Values: make(map[string]string, len(columns)),
	}
	if entry != nil {
		record.DN = entry.DN
	}

	for _, column := range columns {
		record.Values[column] = n.value(entry, column)
	}

	return record
}

// NormalizeAll normalizes every entry against one shared column set.
func (n *Normalizer) NormalizeAll(entries []*DirectoryEntry, requested []string) RecordSet {
	columns := ColumnsFor(entries, requested)

	set := RecordSet{
		Columns: columns,
		Records: make([]ResultRecord, 0, len(entries)),
	}
	for _, entry := range entries {
		set.Records = append(set.Records, n.Normalize(entry, columns))
	}

	return set
}

// ColumnsFor returns requested when non-empty, otherwise the union of
// attribute names across entries in first-appearance order. Names are
// de-duplicated case-insensitively and the first spelling wins.
func ColumnsFor(entries []*DirectoryEntry, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}

	var columns []string
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		for _, attr := range entry.Attributes {
			key := strings.ToLower(attr.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			columns = append(columns, attr.Name)
		}
	}

	return columns
}

func (n *Normalizer) value(entry *DirectoryEntry, column string) string {
	if entry == nil {
		return ""
	}

	attr, ok := entry.Get(column)
	if !ok {
		return ""
	}

	renderer := n.Renderer
	if renderer == nil {
		renderer = DefaultRenderer
	}
	separator := n.Separator
	if separator == "" {
		separator = DefaultValueSeparator
	}

	raw := attr.raw()
	rendered := make([]string, 0, len(raw))
	for _, value := range raw {
		rendered = append(rendered, renderer.Render(attr.Name, value))
	}

	return strings.Join(rendered, separator)
}
