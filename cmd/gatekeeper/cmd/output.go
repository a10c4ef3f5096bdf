package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// printer renders command output as an aligned table or, with --json, as
// indented JSON of the underlying values.
type printer struct {
	w       io.Writer
	jsonFmt bool
}

func newPrinter(w io.Writer, jsonFmt bool) *printer {
	return &printer{w: w, jsonFmt: jsonFmt}
}

// render prints v as JSON in JSON mode, otherwise the table.
func (p *printer) render(v any, headers []string, rows [][]string) error {
	if p.jsonFmt {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(b))
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
