// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders evolution CLI output: styled for terminals, plain when
// piped, and tab-separated in machine mode.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette: deep ocean teals and arctic waters.
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
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealPrimary).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes CLI output in one Mode.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter returns a printer writing results to out and diagnostics to
// errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode reports the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Machine mode skips it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.style(Styles.Title, text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case ModePlain:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints to the diagnostic stream.
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.err, "WARN: %s\n", text)
	case ModePlain:
		fmt.Fprintf(p.err, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints to the diagnostic stream.
func (p *Printer) Error(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
	case ModePlain:
		fmt.Fprintf(p.err, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(p.err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.style(Styles.Muted, "│"), text)
}

// Field prints "key: value"; machine mode uses a tab.
func (p *Printer) Field(key, value string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s\t%s\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.style(Styles.Bold, key+":"), value)
}

// HistoryLine prints one chain link as "<parent> -> <id> : <message>",
// with a blank parent for genesis. Tags such as "head" follow in
// parentheses outside machine mode.
func (p *Printer) HistoryLine(parent, id, message string, tags ...string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", parent, id, message)
		return
	}
	if parent == "" {
		parent = strings.Repeat(" ", len(id))
	}
	line := fmt.Sprintf("%s -> %s : %s", p.style(Styles.Muted, parent), p.style(Styles.Highlight, id), message)
	if len(tags) > 0 {
		line += " " + p.style(Styles.Success, "("+strings.Join(tags, ", ")+")")
	}
	fmt.Fprintln(p.out, line)
}

// Row prints tab-separated columns. Rich mode mutes every column after the
// first two.
func (p *Printer) Row(cols ...string) {
	if p.mode == ModeRich {
		for i := 2; i < len(cols); i++ {
			cols[i] = Styles.Muted.Render(cols[i])
		}
	}
	fmt.Fprintln(p.out, strings.Join(cols, "\t"))
}

// Box prints content under a title, boxed in rich mode.
func (p *Printer) Box(title, content string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
	case ModePlain:
		fmt.Fprintf(p.out, "%s\n%s\n", title, content)
	default:
		fmt.Fprintln(p.out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
	}
}
