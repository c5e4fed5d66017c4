// Package term renders human-readable run summaries.
package term

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

const width = 80

type Printer struct {
	w       io.Writer
	success *color.Color
	warning *color.Color
	failure *color.Color
	info    *color.Color
	header  *color.Color
}

// New returns a printer writing to w. Colour is only emitted when colour is
// true.
func New(w io.Writer, colour bool) *Printer {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if colour {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}

	return &Printer{
		w:       w,
		success: mk(color.FgGreen),
		warning: mk(color.FgYellow),
		failure: mk(color.FgRed),
		info:    mk(color.FgCyan),
		header:  mk(color.FgMagenta, color.Bold),
	}
}

// Stdout returns a printer on os.Stdout, coloured when it is a terminal.
func Stdout() *Printer {
	fd := os.Stdout.Fd()
	return New(os.Stdout, isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}

func (p *Printer) Header(s string) {
	rule := strings.Repeat("=", width)
	pad := (width - len(s)) / 2
	if pad < 0 {
		pad = 0
	}
	p.header.Fprintln(p.w, rule)
	p.header.Fprintln(p.w, strings.Repeat(" ", pad)+s)
	p.header.Fprintln(p.w, rule)
}

func (p *Printer) Section(s string) {
	fmt.Fprintln(p.w)
	p.info.Fprintf(p.w, "[%s]\n", s)
}

func (p *Printer) Success(format string, args ...any) {
	p.success.Fprintf(p.w, "✓ "+format+"\n", args...)
}

func (p *Printer) Warning(format string, args ...any) {
	p.warning.Fprintf(p.w, "⚠ "+format+"\n", args...)
}

func (p *Printer) Error(format string, args ...any) {
	p.failure.Fprintf(p.w, "✗ "+format+"\n", args...)
}

func (p *Printer) Info(format string, args ...any) {
	p.info.Fprintf(p.w, "ℹ "+format+"\n", args...)
}

func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Table writes a rounded table. Columns listed in right are right aligned.
func (p *Printer) Table(headers []string, rows [][]string, right ...int) {
	columns := len(headers)
	if columns == 0 {
		return
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	rightAligned := make(map[int]bool, len(right))
	for _, i := range right {
		rightAligned[i] = true
	}
	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if rightAligned[i] {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	fmt.Fprintln(p.w, tw.Render())
}

// Bytes formats a size like "1.2 MB".
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Count formats an integer with thousands separators.
func Count(n int) string {
	return humanize.Comma(int64(n))
}

// Ratio formats the relative reduction from before to after.
func Ratio(before, after int64) string {
	if before <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", (1-float64(after)/float64(before))*100)
}
