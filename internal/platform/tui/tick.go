// Package tui provides the Bubble Tea front ends: the participant monitor
// that drives a client session, and the admin console served over SSH.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// StepMsg is sent to run the session scheduler once.
type StepMsg time.Time

// stepCmd schedules the next scheduler invocation. The cadence is fixed and
// independent of how often the view is redrawn.
func stepCmd(cadence time.Duration) tea.Cmd {
	return tea.Tick(cadence, func(t time.Time) tea.Msg {
		return StepMsg(t)
	})
}

// RefreshMsg is sent to reload the admin console's session list.
type RefreshMsg time.Time

func refreshCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return RefreshMsg(t)
	})
}
