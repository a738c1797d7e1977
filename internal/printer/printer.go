// Package printer formats CLI output with colors.
package printer

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/hupe1980/ingenious/core"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
	bold   = color.New(color.Bold)

	// agentPalette colors agent names; the color is stable per name.
	agentPalette = []*color.Color{
		color.New(color.FgMagenta, color.Bold),
		color.New(color.FgBlue, color.Bold),
		color.New(color.FgCyan, color.Bold),
		color.New(color.FgGreen, color.Bold),
		color.New(color.FgYellow, color.Bold),
	}
)

// Printer writes formatted output to a writer.
type Printer struct {
	out io.Writer
}

// New returns a Printer writing to out.
func New(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Info prints an informational message in the default color
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a warning message in yellow
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.out, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Faint prints de-emphasized text.
func (p *Printer) Faint(format string, a ...any) {
	faint.Fprintf(p.out, format, a...)
}

// Message prints one transcript entry: the sender in its color, the text
// and any citations and notes.
func (p *Printer) Message(m core.Message) {
	if m.Seq > 0 {
		faint.Fprintf(p.out, "#%d ", m.Seq)
	}
	senderColor(m.Sender).Fprintf(p.out, "%s", m.Sender)
	fmt.Fprintf(p.out, ": %s\n", m.Text)
	for _, c := range m.Citations {
		faint.Fprintf(p.out, "    [%s %.2f]\n", c.SourceID, c.Score)
	}
	for _, n := range m.Notes {
		yellow.Fprintf(p.out, "    (%s: %s)\n", n.Kind, n.Detail)
	}
}

// Table prints rows with aligned columns and a bold header. Widths are
// measured in terminal cells; cells beyond the header's columns are dropped.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(c))
			}
		}
	}
	line := func(cells []string, c *color.Color) {
		parts := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		text := strings.TrimRight(strings.Join(parts, "  "), " ")
		if c != nil {
			c.Fprintln(p.out, text)
			return
		}
		fmt.Fprintln(p.out, text)
	}
	line(header, bold)
	for _, r := range rows {
		line(r, nil)
	}
}

// Error prints a formatted error with title, explanation and suggestions to
// w and returns a simple error for cobra.
func Error(w io.Writer, title, explanation string, suggestions []string) error {
	red.Fprintf(w, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(w, "%s\n", explanation)
	}
	if len(suggestions) > 0 {
		fmt.Fprintf(w, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(w, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(w, "Either:\n")
			for i, s := range suggestions {
				fmt.Fprintf(w, "  %d. %s\n", i+1, s)
			}
		}
	}
	return fmt.Errorf("%s", title)
}

func senderColor(sender string) *color.Color {
	switch sender {
	case core.SenderUser:
		return bold
	case core.SenderSystem:
		return red
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	return agentPalette[h.Sum32()%uint32(len(agentPalette))]
}
