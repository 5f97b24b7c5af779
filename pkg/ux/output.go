// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders audit results on the terminal.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Modes
// =============================================================================

// Mode controls how much styling the output carries.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModeMinimal uses icons and no boxes.
	ModeMinimal Mode = "minimal"

	// ModeMachine writes plain key=value lines for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode converts a string to a Mode. Unknown values yield ModeRich.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMinimal:
		return ModeMinimal
	case ModeMachine:
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode returns ModeRich when w is a terminal and ModeMachine otherwise.
func DetectMode(w io.Writer) Mode {
	f, ok := w.(*os.File)
	if !ok {
		return ModeMachine
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeRich
	}
	return ModeMachine
}

// =============================================================================
// Printer
// =============================================================================

// Row is one labelled value inside a Box.
type Row struct {
	Key   string
	Value string
}

// Printer writes styled output to a writer.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer. A nil writer means stdout.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error message
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

func (p *Printer) status(prefix string, icon Icon, style lipgloss.Style, text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s: %s\n", prefix, text)
	case ModeMinimal:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Box prints rows in a rounded box under title.
//
// Machine mode prints one "key=value" line per row, with keys lowercased
// and spaces replaced by underscores.
func (p *Printer) Box(title string, rows []Row) {
	switch p.mode {
	case ModeMachine:
		for _, r := range rows {
			fmt.Fprintf(p.w, "%s=%s\n", machineKey(r.Key), r.Value)
		}
		return
	case ModeMinimal:
		fmt.Fprintln(p.w, title)
		for _, r := range rows {
			fmt.Fprintf(p.w, "  %s %s: %s\n", IconBullet, r.Key, r.Value)
		}
		return
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r.Key))
	}
	lines := []string{Styles.Title.Render(title)}
	for _, r := range rows {
		key := Styles.Muted.Render(fmt.Sprintf("%-*s", width, r.Key))
		lines = append(lines, key+"  "+Styles.Bold.Render(r.Value))
	}
	fmt.Fprintln(p.w, Styles.Box.Render(strings.Join(lines, "\n")))
}

// Finding prints one reported issue with its location.
func (p *Printer) Finding(title, location string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "FINDING\t%s\t%s\n", location, title)
	case ModeMinimal:
		fmt.Fprintf(p.w, "%s %s %s\n", IconWarning, title, location)
	default:
		fmt.Fprintf(p.w, "%s %s %s\n", IconWarning.Render(),
			Styles.Highlight.Render(title), Styles.Muted.Render("("+location+")"))
	}
}

func machineKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
}
