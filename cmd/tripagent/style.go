package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/szaher/tripagent/internal/session"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	answerStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)
)

func stateStyle(s session.State) lipgloss.Style {
	switch s {
	case session.StateDone:
		return successStyle
	case session.StateAwaitingGate:
		return warnStyle
	case session.StateAbandoned:
		return dimStyle
	default:
		return labelStyle
	}
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
}

func printSession(w io.Writer, sess *session.Session) {
	field(w, "Session", sess.ID)
	field(w, "State", stateStyle(sess.State).Render(string(sess.State)))
	field(w, "Messages", len(sess.Messages))
	field(w, "Tokens", fmt.Sprintf("%d in / %d out", sess.Usage.InputTokens, sess.Usage.OutputTokens))
	field(w, "Updated", sess.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if d := sess.Delivery; d != nil {
		field(w, "Sent to", fmt.Sprintf("%s <%s>", d.ToName, d.To))
		field(w, "Subject", d.Subject)
		field(w, "Message", d.MessageID)
	}
	if sess.FinalAnswer != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, answerStyle.Render(strings.TrimSpace(sess.FinalAnswer)))
	}
}
