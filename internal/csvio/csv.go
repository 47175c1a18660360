// Package csvio reads batch input rows from CSV and writes results and row
// errors back out as CSV.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/isometry/ldap-searcher/internal/batch"
)

// Input column names, matched case-insensitively.
const (
	ColumnBase       = "base"
	ColumnFilter     = "filter"
	ColumnAttributes = "attributes"
)

// ReadOptions control how input rows are parsed.
type ReadOptions struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
	// DefaultBase fills rows with no base column or an empty base cell.
	DefaultBase string
	// DefaultAttributes fills rows with no attributes column or an empty cell.
	DefaultAttributes string
}

// WriteOptions control CSV output.
type WriteOptions struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
}

// ReadRows parses a header row followed by one search per data row. The
// header must name a filter column; base and attributes are optional when
// defaults are supplied. Row indexes are 1-based and exclude the header.
func ReadRows(r io.Reader, opts ReadOptions) ([]batch.Row, error) {
	cr := newReader(r, opts.Comma)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("input is empty, expected a header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := indexHeader(header)
	filterIdx, ok := columns[ColumnFilter]
	if !ok {
		return nil, fmt.Errorf("missing required column %q", ColumnFilter)
	}
	baseIdx, hasBase := columns[ColumnBase]
	if !hasBase && opts.DefaultBase == "" {
		return nil, fmt.Errorf("missing column %q and no default base given", ColumnBase)
	}
	attrIdx, hasAttrs := columns[ColumnAttributes]

	var rows []batch.Row
	for index := 1; ; index++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", index, err)
		}

		row := batch.Row{
			Index:      index,
			Base:       opts.DefaultBase,
			Attributes: opts.DefaultAttributes,
			Filter:     field(rec, filterIdx),
		}
		if hasBase {
			if v := field(rec, baseIdx); strings.TrimSpace(v) != "" {
				row.Base = v
			}
		}
		if hasAttrs {
			if v := field(rec, attrIdx); strings.TrimSpace(v) != "" {
				row.Attributes = v
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// ReadValues reads one search value per line, without a header. Only the
// first field of each line is used; blank values are skipped. The returned
// indexes are 1-based line numbers.
func ReadValues(r io.Reader, opts ReadOptions) ([]Value, error) {
	cr := newReader(r, opts.Comma)

	var values []Value
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}

		v := strings.TrimSpace(field(rec, 0))
		if v == "" {
			continue
		}
		line, _ := cr.FieldPos(0)
		values = append(values, Value{Index: line, Value: v})
	}

	return values, nil
}

// Value is one search value and the input line it came from.
type Value struct {
	Index int
	Value string
}

// WriteResults writes every record of the successful outcomes. Columns are
// source_row_index and dn followed by the union of record columns in
// first-appearance order.
func WriteResults(w io.Writer, outcomes []batch.RowOutcome, opts WriteOptions) error {
	columns := unionColumns(outcomes)

	cw := newWriter(w, opts.Comma)
	header := append([]string{"source_row_index", "dn"}, columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, outcome := range outcomes {
		if outcome.Status != batch.StatusSuccess {
			continue
		}
		for _, record := range outcome.Records {
			lookup := make(map[string]string, len(record.Values))
			for k, v := range record.Values {
				lookup[strings.ToLower(k)] = v
			}

			line := make([]string, 0, len(header))
			line = append(line, strconv.Itoa(outcome.RowIndex), record.DN)
			for _, column := range columns {
				line = append(line, lookup[strings.ToLower(column)])
			}
			if err := cw.Write(line); err != nil {
				return fmt.Errorf("write row %d: %w", outcome.RowIndex, err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteErrors writes one line per failed outcome.
func WriteErrors(w io.Writer, outcomes []batch.RowOutcome, opts WriteOptions) error {
	cw := newWriter(w, opts.Comma)
	if err := cw.Write([]string{"row_index", "error_kind", "message"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, outcome := range outcomes {
		if outcome.Status != batch.StatusError {
			continue
		}
		line := []string{
			strconv.Itoa(outcome.RowIndex),
			string(outcome.ErrorKind()),
			outcome.Message(),
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write error for row %d: %w", outcome.RowIndex, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// unionColumns leaves out a requested "dn" attribute, which is already
// written as the entry DN.
func unionColumns(outcomes []batch.RowOutcome) []string {
	var columns []string
	seen := map[string]bool{"dn": true}
	for _, outcome := range outcomes {
		if outcome.Status != batch.StatusSuccess {
			continue
		}
		for _, column := range outcome.Columns {
			key := strings.ToLower(column)
			if seen[key] {
				continue
			}
			seen[key] = true
			columns = append(columns, column)
		}
	}
	return columns
}

func indexHeader(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := columns[key]; !dup {
			columns[key] = i
		}
	}
	return columns
}

func field(rec []string, idx int) string {
	if idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

func newReader(r io.Reader, comma rune) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if comma != 0 {
		cr.Comma = comma
	}
	return cr
}

func newWriter(w io.Writer, comma rune) *csv.Writer {
	cw := csv.NewWriter(w)
	if comma != 0 {
		cw.Comma = comma
	}
	return cw
}
