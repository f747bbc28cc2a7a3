package main

// ---------------------------------------------------------------------------
// output.go — format flag, table rendering, CSV, output helpers
// ---------------------------------------------------------------------------

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
	FormatCSV
)

func parseFormat(s string) OutputFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	default:
		return FormatTable
	}
}

// ---------------------------------------------------------------------------
// Table renderer — auto-sized columns with box-drawing borders
// ---------------------------------------------------------------------------

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row. Values are matched positionally to headers.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := visibleLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(left, sep, right string) string {
		var b strings.Builder
		b.WriteString(left)
		for i, w := range widths {
			b.WriteString(strings.Repeat("─", w+2))
			if i < len(widths)-1 {
				b.WriteString(sep)
			}
		}
		b.WriteString(right)
		return b.String()
	}
	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", widths[i]-visibleLen(cell)))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, line("┌", "┬", "┐"))
	printRow(t.headers)
	fmt.Fprintln(t.w, line("├", "┼", "┤"))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, line("└", "┴", "┘"))
}

// visibleLen counts runes, skipping ANSI color sequences.
func visibleLen(s string) int {
	n := 0
	for i := 0; i < len(s); {
		if s[i] == '\033' {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n++
	}
	return n
}

// ---------------------------------------------------------------------------
// CSV / JSON writers
// ---------------------------------------------------------------------------

func writeCSV(w io.Writer, headers []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputWriter returns stdout or the --output file. The returned func closes
// the file.
func outputWriter(path string) (io.Writer, func()) {
	if path == "" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		errorf("creating output file: %v", err)
	}
	return f, func() {
		f.Close()
		fmt.Fprintf(os.Stderr, "%s Output written to %s\n", green("✓"), path)
	}
}

// render writes rows in the chosen format. JSON renders raw instead of rows.
func render(format OutputFormat, path string, raw interface{}, headers []string, rows [][]string) {
	w, done := outputWriter(path)
	defer done()
	var err error
	switch format {
	case FormatJSON:
		err = writeJSON(w, raw)
	case FormatCSV:
		err = writeCSV(w, headers, rows)
	default:
		t := NewTable(w, headers...)
		for _, r := range rows {
			t.AddRow(r...)
		}
		t.Render()
	}
	if err != nil {
		errorf("writing output: %v", err)
	}
}
