package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vovakirdan/lockstep/internal/multiplayer"
)

// Console layout constants
const (
	consoleRefresh   = time.Second
	consoleMinHeight = 6
)

// SessionLister returns the live sessions to display.
type SessionLister func() []multiplayer.Summary

// ConsoleModel is the read-only admin console: a table of live sessions
// and the participants of the selected one.
type ConsoleModel struct {
	list     SessionLister
	user     string
	sessions []multiplayer.Summary
	table    table.Model
	help     help.Model
	keys     ConsoleKeyMap
	width    int
	height   int
	quitting bool
}

// NewConsoleModel creates a console model.
func NewConsoleModel(list SessionLister, user string, width, height int) ConsoleModel {
	m := ConsoleModel{
		list:   list,
		user:   user,
		help:   help.New(),
		keys:   DefaultConsoleKeyMap(),
		width:  width,
		height: height,
	}
	m.table = m.createTable()
	m.reload()
	return m
}

// createTable creates a new table sized to the window.
func (m *ConsoleModel) createTable() table.Model {
	columns := []table.Column{
		{Title: "Session", Width: 38},
		{Title: "State", Width: 9},
		{Title: "Tick", Width: 8},
		{Title: "Slowest", Width: 8},
		{Title: "Online", Width: 7},
		{Title: "Rate", Width: 6},
		{Title: "Lag", Width: 7},
	}
	if m.width > 0 && m.width < 100 {
		columns[0].Width = max(12, m.width-60)
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(max(consoleMinHeight, m.height/2)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// reload fetches the session list and rebuilds the rows, keeping the cursor.
func (m *ConsoleModel) reload() {
	m.sessions = m.list()
	m.table.SetRows(sessionRows(m.sessions))
	if c := m.table.Cursor(); c >= len(m.sessions) {
		m.table.SetCursor(max(0, len(m.sessions)-1))
	}
}

func sessionRows(sessions []multiplayer.Summary) []table.Row {
	rows := make([]table.Row, len(sessions))
	for i, s := range sessions {
		online := 0
		slowest := s.CurrentTick
		for _, p := range s.Participants {
			if p.Connected {
				online++
			}
			slowest = min(slowest, p.LastProcessedTick)
		}
		rows[i] = table.Row{
			string(s.ID),
			sessionState(s),
			fmt.Sprintf("%d", s.CurrentTick),
			fmt.Sprintf("%d", slowest),
			fmt.Sprintf("%d/%d", online, len(s.Participants)),
			fmt.Sprintf("%d", s.TicksPerSecond),
			fmt.Sprintf("%dms", s.AcceptedLagMs),
		}
	}
	return rows
}

func sessionState(s multiplayer.Summary) string {
	switch {
	case !s.Running:
		return "loading"
	case s.Stalled:
		return "stalled"
	default:
		return "running"
	}
}

// Init starts the refresh loop.
func (m ConsoleModel) Init() tea.Cmd {
	return refreshCmd(consoleRefresh)
}

// Update handles messages for the console.
func (m ConsoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			m.reload()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table = m.createTable()
		m.reload()
		m.help.Width = msg.Width
		return m, nil

	case RefreshMsg:
		m.reload()
		return m, refreshCmd(consoleRefresh)
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the console.
func (m ConsoleModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("LOCKSTEP SESSIONS (%d)", len(m.sessions))))
	if m.user != "" {
		b.WriteString(dimStyle.Render("  as " + m.user))
	}
	b.WriteString("\n\n")

	if len(m.sessions) == 0 {
		b.WriteString(boxStyle.Render(dimStyle.Italic(true).Render("No live sessions.")))
	} else {
		b.WriteString(boxStyle.Render(m.table.View()))
		if c := m.table.Cursor(); c >= 0 && c < len(m.sessions) {
			b.WriteString("\n")
			b.WriteString(renderParticipants(m.sessions[c]))
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func renderParticipants(s multiplayer.Summary) string {
	var b strings.Builder
	for i, p := range s.Participants {
		if i > 0 {
			b.WriteString("\n")
		}
		link := badStyle.Render("offline")
		if p.Connected {
			link = okStyle.Render("online ")
		}
		assets := fmt.Sprintf("%d/%d", p.AssetsLoaded, p.AssetsQueued)
		if p.AllAssetsLoaded {
			assets = "loaded"
		}
		fmt.Fprintf(&b, "%-16s %s  tick %-8d assets %-8s unacked %d",
			p.ID, link, p.LastProcessedTick, assets, p.Pending)
	}
	return boxStyle.Render(b.String())
}

// Sessions returns the rows currently displayed.
func (m ConsoleModel) Sessions() []multiplayer.Summary {
	return m.sessions
}
