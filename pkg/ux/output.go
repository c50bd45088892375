// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output.
//
// A Printer writes styled text to a terminal and plain tab-separated text
// anywhere else, so command output stays greppable when piped.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
const (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles holds the pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Node    lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Node:    lipgloss.NewStyle().Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Printer writes command output.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter returns a Printer for w. Output is plain unless w is a
// terminal.
func NewPrinter(w io.Writer) *Printer {
	plain := true
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		plain = !(isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	}
	return &Printer{w: w, plain: plain}
}

// NewPlainPrinter returns a Printer that never styles.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: true}
}

// Plain reports whether styling is off.
func (p *Printer) Plain() bool { return p.plain }

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Plain output omits it.
func (p *Printer) Title(text string) {
	if p.plain {
		return
	}
	fmt.Fprintln(p.w, p.style(Styles.Title, text))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.line("OK", "✓", Styles.Success, format, args...)
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.line("WARN", "⚠", Styles.Warning, format, args...)
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.line("ERROR", "✗", Styles.Error, format, args...)
}

func (p *Printer) line(tag, icon string, s lipgloss.Style, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.plain {
		fmt.Fprintf(p.w, "%s: %s\n", tag, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(s, icon), msg)
}

// Field is one key/value pair of a KV block.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// KV prints aligned key/value lines, tab-separated when plain.
func (p *Printer) KV(fields ...Field) {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Key))
	}
	for _, f := range fields {
		if p.plain {
			fmt.Fprintf(p.w, "%s\t%v\n", f.Key, f.Value)
			continue
		}
		pad := strings.Repeat(" ", width-len(f.Key))
		fmt.Fprintf(p.w, "  %s%s  %v\n", p.style(Styles.Key, f.Key), pad, f.Value)
	}
}

// Box prints content under title in a rounded box.
func (p *Printer) Box(title, content string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s:\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Render(p.style(Styles.Title, title)+"\n"+content))
}

// Tree renders root and its descendants with box-drawing branches.
//
// Inputs:
//   - root: The root item.
//   - label: Text for an item.
//   - kids: Children of an item, in order.
func Tree[T any](p *Printer, root T, label func(T) string, kids func(T) []T) string {
	var b strings.Builder
	b.WriteString(p.style(Styles.Node, label(root)))
	b.WriteByte('\n')
	var walk func(T, string)
	walk = func(n T, prefix string) {
		children := kids(n)
		for i, c := range children {
			branch, next := "├── ", "│   "
			if i == len(children)-1 {
				branch, next = "└── ", "    "
			}
			b.WriteString(p.style(Styles.Muted, prefix+branch))
			b.WriteString(p.style(Styles.Node, label(c)))
			b.WriteByte('\n')
			walk(c, prefix+next)
		}
	}
	walk(root, "")
	return b.String()
}

// Print writes s unchanged.
func (p *Printer) Print(s string) {
	fmt.Fprint(p.w, s)
}
