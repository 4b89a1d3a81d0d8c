package util

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// Table builds a tab-aligned, human-readable table in memory.
// Writes go to a strings.Builder, which never fails, so none of the methods return errors.
type Table struct {
	sb     *strings.Builder
	writer *tabwriter.Writer
}

// NewTable creates a Table with the given column headers.
func NewTable(headers ...string) *Table {
	sb := &strings.Builder{}
	t := &Table{
		sb:     sb,
		writer: tabwriter.NewWriter(sb, 1, 1, 2, ' ', 0),
	}
	if len(headers) > 0 {
		t.Row(toAny(headers)...)
	}
	return t
}

// Row appends one row; each value is formatted with %v, float64 values with %.4g.
func (t *Table) Row(values ...any) {
	cells := make([]string, len(values))
	for i, v := range values {
		if f, ok := v.(float64); ok {
			cells[i] = fmt.Sprintf("%.4g", f)
		} else {
			cells[i] = fmt.Sprintf("%v", v)
		}
	}
	_, _ = fmt.Fprintln(t.writer, strings.Join(cells, "\t"))
}

// String flushes the underlying writer and returns the accumulated table.
func (t *Table) String() string {
	_ = t.writer.Flush()
	return t.sb.String()
}

func toAny(s []string) []any {
	rv := make([]any, len(s))
	for i, v := range s {
		rv[i] = v
	}
	return rv
}
