// Package ui provides terminal rendering helpers for the spiralsync CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // amber
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // grey
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// RenderPass renders text in the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders text in the failure color.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders text in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders text in the muted color.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold renders text in bold.
func RenderBold(s string) string { return boldStyle.Render(s) }

// RenderTrend renders a trend with its conventional arrow and color.
func RenderTrend(t core.Trend) string {
	switch t {
	case core.TrendRising:
		return passStyle.Render("↑ rising")
	case core.TrendDeclining:
		return failStyle.Render("↓ declining")
	default:
		return mutedStyle.Render("→ stable")
	}
}

// RenderLevelBar renders a level in [0, 1] as a fixed-width bar:
// high levels green, middling amber, low red.
func RenderLevelBar(level float64, width int) string {
	if width <= 0 {
		width = 20
	}
	level = core.ClampLevel(level)
	filled := int(level*float64(width) + 0.5)

	style := failStyle
	switch {
	case level >= 0.66:
		style = passStyle
	case level >= 0.33:
		style = warnStyle
	}

	bar := style.Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %4.0f%%", bar, level*100)
}
