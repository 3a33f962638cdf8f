package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vovakirdan/lockstep/internal/client"
	"github.com/vovakirdan/lockstep/internal/sim"
)

const recentShown = 6

// MonitorConfig holds what the participant monitor drives and displays.
type MonitorConfig struct {
	Title     string
	Session   *client.Session
	Connector *client.Connector // nil for local sessions
	Ledger    *sim.Ledger
	Cadence   time.Duration
}

// MonitorModel drives a client session from Bubble Tea ticks and shows its
// progress. Keys become session commands.
type MonitorModel struct {
	cfg      MonitorConfig
	progress progress.Model
	help     help.Model
	keys     MonitorKeyMap
	width    int
	paused   bool
	sendErr  string
	last     client.Result
	quitting bool
}

// NewMonitorModel creates a monitor model.
func NewMonitorModel(cfg MonitorConfig) MonitorModel {
	if cfg.Cadence <= 0 {
		cfg.Cadence = 10 * time.Millisecond
	}
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))
	return MonitorModel{
		cfg:      cfg,
		progress: bar,
		help:     help.New(),
		keys:     DefaultMonitorKeyMap(),
	}
}

// Init starts the scheduler cadence.
func (m MonitorModel) Init() tea.Cmd {
	return stepCmd(m.cfg.Cadence)
}

// Update handles messages and updates the model state.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.Width = max(10, min(40, msg.Width-20))
		return m, nil

	case StepMsg:
		m.last = m.cfg.Session.Step()
		return m, stepCmd(m.cfg.Cadence)
	}
	return m, nil
}

func (m MonitorModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		if m.paused {
			m.cfg.Session.Scheduler().Stop()
		} else {
			m.cfg.Session.Scheduler().Start()
		}
	case key.Matches(msg, m.keys.Up):
		m.send(sim.Action{Kind: "move", Dir: "up"})
	case key.Matches(msg, m.keys.Down):
		m.send(sim.Action{Kind: "move", Dir: "down"})
	case key.Matches(msg, m.keys.Left):
		m.send(sim.Action{Kind: "move", Dir: "left"})
	case key.Matches(msg, m.keys.Right):
		m.send(sim.Action{Kind: "move", Dir: "right"})
	case key.Matches(msg, m.keys.Fire):
		m.send(sim.Action{Kind: "fire"})
	}
	return m, nil
}

func (m *MonitorModel) send(a sim.Action) {
	if err := m.cfg.Session.Scheduler().SendCommand(a); err != nil {
		m.sendErr = err.Error()
		return
	}
	m.sendErr = ""
}

// View renders the monitor.
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	snap := m.cfg.Session.Scheduler().Snapshot()
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.cfg.Title))
	b.WriteString("\n\n")

	if assets := m.cfg.Session.Assets(); assets != nil && !assets.Done() {
		b.WriteString(field("assets", m.progress.ViewAs(assets.Fraction())))
		b.WriteString("\n\n")
	}

	status := fields(
		[2]string{"link", m.linkStatus()},
		[2]string{"scheduler", m.schedulerStatus(snap)},
		[2]string{"tick rate", fmt.Sprintf("%d/s", snap.TicksPerSecond)},
		[2]string{"processed", fmt.Sprintf("%d", snap.LastProcessedTick)},
		[2]string{"permitted", fmt.Sprintf("%d", snap.LastPermittedTick)},
		[2]string{"queued", fmt.Sprintf("%d closed, %d open", snap.ClosedQueues, snap.OpenCommands)},
		[2]string{"catch-up", fmt.Sprintf("%d budget hits, %d resyncs", snap.BudgetHits, snap.Resyncs)},
	)

	var ledger string
	if m.cfg.Ledger != nil {
		ledger = m.renderLedger(m.cfg.Ledger.State())
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxStyle.Render(status), "  ", ledger))
	b.WriteString("\n")

	if snap.LastError != "" {
		b.WriteString(badStyle.Render("server: " + snap.LastError))
		b.WriteString("\n")
	}
	if m.sendErr != "" {
		b.WriteString(badStyle.Render("send: " + m.sendErr))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func (m MonitorModel) linkStatus() string {
	if m.cfg.Connector == nil {
		return dimStyle.Render("local")
	}
	st := m.cfg.Connector.State()
	switch {
	case st.Connected:
		return okStyle.Render("connected")
	case st.LastError != nil:
		return badStyle.Render(fmt.Sprintf("reconnecting (%d): %v", st.Attempts, st.LastError))
	default:
		return warnStyle.Render("connecting")
	}
}

func (m MonitorModel) schedulerStatus(snap client.Snapshot) string {
	switch {
	case !snap.Running:
		return warnStyle.Render("paused")
	case snap.ReallyRunning:
		return okStyle.Render("running")
	case snap.LastPermittedTick == 0:
		return dimStyle.Render("waiting for start")
	default:
		return warnStyle.Render("waiting for authorization")
	}
}

func (m MonitorModel) renderLedger(st sim.State) string {
	var b strings.Builder
	b.WriteString(fields(
		[2]string{"state hash", st.Hash},
		[2]string{"commands", fmt.Sprintf("%d", st.Commands)},
	))
	recent := st.Recent
	if len(recent) > recentShown {
		recent = recent[len(recent)-recentShown:]
	}
	for _, e := range recent {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("#%-6d %-10s %s", e.Tick, e.Sender, e.Body)))
	}
	return boxStyle.Render(b.String())
}

// RunMonitor runs the monitor until the user quits.
func RunMonitor(cfg MonitorConfig) error {
	p := tea.NewProgram(NewMonitorModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
