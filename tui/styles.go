package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/c360studio/garage/notify"
	"github.com/c360studio/garage/workflow"
)

var (
	titleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelPending    = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelProcessing = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelCompleted  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelAwaiting   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelError      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	detailTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	selectedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Bold(true)
	outputBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#555555")).Padding(0, 1)
)

func statusLabel(s workflow.Status) string {
	switch s {
	case workflow.StatusProcessing:
		return labelProcessing.Render("processing")
	case workflow.StatusCompleted:
		return labelCompleted.Render("completed")
	case workflow.StatusAwaitingUserDecision:
		return labelAwaiting.Render("awaiting decision")
	default:
		return labelPending.Render("pending")
	}
}

func notificationLine(n notify.Notification) string {
	switch n.Level {
	case notify.LevelError:
		return labelError.Render("✗ " + n.String())
	case notify.LevelSuccess:
		return labelCompleted.Render("✓ " + n.String())
	default:
		return detailTextStyle.Render("• " + n.String())
	}
}
