// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders forge command output for terminals and pipes.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Brand palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconSkipped Icon = "○"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Printer writes styled output when attached to a terminal and plain,
// tab-separated output otherwise.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter returns a Printer for w. Output is plain unless w is a
// terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: !IsTerminal(w)}
}

// NewPlainPrinter returns a Printer that never styles output.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: true}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Plain reports whether styling is disabled.
func (p *Printer) Plain() bool { return p.plain }

func (p *Printer) render(s lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if p.plain {
		return ""
	}
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i)) + " "
	case IconWarning:
		return Styles.Warning.Render(string(i)) + " "
	case IconError:
		return Styles.Error.Render(string(i)) + " "
	default:
		return Styles.Muted.Render(string(i)) + " "
	}
}

// Title prints a heading. Plain output omits it.
func (p *Printer) Title(text string) {
	if p.plain {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Line prints text as is.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Status prints one item with a marker and an optional muted detail.
func (p *Printer) Status(icon Icon, label, item, detail string) {
	if p.plain {
		fields := []string{label, item}
		if detail != "" {
			fields = append(fields, detail)
		}
		fmt.Fprintln(p.w, strings.Join(fields, "\t"))
		return
	}
	line := p.icon(icon) + item
	if detail != "" {
		line += " " + Styles.Muted.Render("("+detail+")")
	}
	fmt.Fprintln(p.w, line)
}

// Success prints a success message.
func (p *Printer) Success(text string) {
	fmt.Fprintln(p.w, p.icon(IconSuccess)+p.render(Styles.Success, text))
}

// Warning prints a warning message.
func (p *Printer) Warning(text string) {
	fmt.Fprintln(p.w, p.icon(IconWarning)+p.render(Styles.Warning, text))
}

// Error prints an error message.
func (p *Printer) Error(text string) {
	fmt.Fprintln(p.w, p.icon(IconError)+p.render(Styles.Error, text))
}

// Muted prints secondary text. Plain output omits it.
func (p *Printer) Muted(text string) {
	if p.plain {
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

// Box prints content in a rounded box, or as "title: content" when plain.
func (p *Printer) Box(title, content string) {
	if p.plain {
		fmt.Fprintf(p.w, "%s:\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// Counts prints "n label" pairs on one line, e.g. "3 installed  1 failed".
func (p *Printer) Counts(pairs ...any) {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		n, label := fmt.Sprint(pairs[i]), fmt.Sprint(pairs[i+1])
		if p.plain {
			parts = append(parts, label+"="+n)
			continue
		}
		parts = append(parts, Styles.Bold.Render(n)+" "+Styles.Muted.Render(label))
	}
	sep := "  "
	if p.plain {
		sep = " "
	}
	fmt.Fprintln(p.w, strings.Join(parts, sep))
}
