// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package term provides styled terminal output for archonctl.
package term

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Archon palette - electric blues over a dark console
var (
	ColorBlueBright  = lipgloss.Color("#3FCBFF") // Bright blue - highlights
	ColorBluePrimary = lipgloss.Color("#00A7E1") // Primary brand blue
	ColorBlueDeep    = lipgloss.Color("#0E6BA8") // Deep blue - borders
	ColorSlate       = lipgloss.Color("#4A5A6A") // Muted text

	// Semantic colors
	ColorSuccess = lipgloss.Color("#2ECC71") // Green for success
	ColorWarning = lipgloss.Color("#F4D03F") // Gold for warnings
	ColorError   = lipgloss.Color("#E74C3C") // Red for errors
)

// Styles provides pre-configured lipgloss styles
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
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorBlueBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorBlueBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBlueDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
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

// Title prints a styled section title
func Title(text string) {
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success line with a checkmark
func Success(text string) {
	fmt.Printf("%s %s\n", IconSuccess.Render(), text)
}

// Warning prints a warning line
func Warning(text string) {
	fmt.Printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error line to stderr
func Error(text string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational line
func Info(text string) {
	fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	fmt.Println(Styles.Muted.Render(text))
}

// Box prints titled content in a rounded box
func Box(title, content string) {
	boxStyle := Styles.Box.Width(64)
	fmt.Println(boxStyle.Render(Styles.Title.Render(title) + "\n" + content))
}

// StageFailure prints the labeled failure line every fatal stage error
// produces before the process exits non-zero.
func StageFailure(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s %s %s\n",
		IconError.Render(),
		Styles.Error.Render("["+stage+"]"),
		err.Error(),
	)
}
