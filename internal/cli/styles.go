package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	colorPrimary   = lipgloss.Color("#6C63FF")
	colorSecondary = lipgloss.Color("#2EC4B6")
	colorMuted     = lipgloss.Color("#666666")
	colorSuccess   = lipgloss.Color("#2ECC71")
	colorWarning   = lipgloss.Color("#F39C12")
	colorError     = lipgloss.Color("#E74C3C")
	colorFg        = lipgloss.Color("#C0CAF5")
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)

	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(14)

	valueStyle = lipgloss.NewStyle().Foreground(colorFg)

	accentStyle = lipgloss.NewStyle().Foreground(colorSecondary)

	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)

	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)

	errorStyle = lipgloss.NewStyle().Foreground(colorError)

	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorPrimary).Padding(0, 1)
)

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatSeconds(secs int64) string {
	return formatDuration(time.Duration(secs) * time.Second)
}

func formatHours(secs int64) string {
	h := float64(secs) / 3600
	return fmt.Sprintf("%.1fh", h)
}

// bar renders a proportional bar for share of max, width cells wide.
func bar(value, max int64, width int) string {
	if max <= 0 || value <= 0 {
		return ""
	}
	n := int(float64(value) / float64(max) * float64(width))
	if n < 1 {
		n = 1
	}
	out := make([]rune, n)
	for i := range out {
		out[i] = '█'
	}
	return accentStyle.Render(string(out))
}
