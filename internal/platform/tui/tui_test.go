package tui

import (
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/lockstep/internal/client"
	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/config"
	"github.com/vovakirdan/lockstep/internal/multiplayer"
	"github.com/vovakirdan/lockstep/internal/sim"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newLocalMonitor(t *testing.T) (MonitorModel, *clock.Manual, *sim.Ledger, *client.Session) {
	t.Helper()
	logger := log.New(io.Discard)
	clk := clock.NewManual(1000)
	ledger := sim.NewLedger(8)
	sess := client.NewSession(client.SessionConfig{
		ParticipantID: "solo",
		Local:         true,
		Client:        config.DefaultClientConfig(),
		Clock:         clk,
		Logger:        logger,
	}, ledger)
	t.Cleanup(sess.Close)
	return NewMonitorModel(MonitorConfig{Title: "play", Session: sess, Ledger: ledger}), clk, ledger, sess
}

func update(t *testing.T, m MonitorModel, msg tea.Msg) MonitorModel {
	t.Helper()
	next, _ := m.Update(msg)
	mm, ok := next.(MonitorModel)
	require.True(t, ok)
	return mm
}

func TestMonitor_StepsDriveTheSession(t *testing.T) {
	m, clk, ledger, _ := newLocalMonitor(t)

	m = update(t, m, StepMsg(time.Now()))
	clk.Advance(200)
	m = update(t, m, StepMsg(time.Now()))
	assert.Equal(t, int64(2), ledger.State().Ticks)

	view := m.View()
	assert.Contains(t, view, "play")
	assert.Contains(t, view, ledger.State().Hash)
	assert.Contains(t, view, "local")
}

func TestMonitor_KeysBecomeCommands(t *testing.T) {
	m, clk, ledger, sess := newLocalMonitor(t)

	m = update(t, m, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")})
	m = update(t, m, runes("w"))
	assert.Equal(t, 2, sess.Scheduler().Snapshot().OpenCommands)

	m = update(t, m, StepMsg(time.Now()))
	clk.Advance(100)
	m = update(t, m, StepMsg(time.Now()))

	st := ledger.State()
	require.Len(t, st.Recent, 2)
	assert.JSONEq(t, `{"kind":"fire"}`, st.Recent[0].Body)
	assert.JSONEq(t, `{"kind":"move","dir":"up"}`, st.Recent[1].Body)
	assert.Empty(t, m.sendErr)
}

func TestMonitor_PauseAndQuit(t *testing.T) {
	m, _, _, sess := newLocalMonitor(t)

	m = update(t, m, runes("p"))
	assert.False(t, sess.Scheduler().Snapshot().Running)
	assert.Contains(t, m.View(), "paused")
	m = update(t, m, runes("p"))
	assert.True(t, sess.Scheduler().Snapshot().Running)

	next, cmd := m.Update(runes("q"))
	require.NotNil(t, cmd)
	assert.Empty(t, next.View())
}

func TestConsole_ListsSessions(t *testing.T) {
	sessions := []multiplayer.Summary{
		{
			ID: "alpha", TicksPerSecond: 10, AcceptedLagMs: 500, Running: true, CurrentTick: 42,
			Participants: []multiplayer.ParticipantSummary{
				{ID: "red", Connected: true, LastProcessedTick: 40, AllAssetsLoaded: true},
				{ID: "blue", LastProcessedTick: 37, AssetsLoaded: 3, AssetsQueued: 12},
			},
		},
		{ID: "beta", TicksPerSecond: 20, Participants: []multiplayer.ParticipantSummary{{ID: "solo"}}},
	}
	m := NewConsoleModel(func() []multiplayer.Summary { return sessions }, "admin", 120, 40)

	rows := sessionRows(m.Sessions())
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"alpha", "running", "42", "37", "1/2", "10", "500ms"}, []string(rows[0]))
	assert.Equal(t, "loading", rows[1][1])

	view := m.View()
	assert.Contains(t, view, "LOCKSTEP SESSIONS (2)")
	assert.Contains(t, view, "blue")
	assert.True(t, strings.Contains(view, "3/12"))

	sessions = sessions[:1]
	next, _ := m.Update(RefreshMsg(time.Now()))
	assert.Len(t, next.(ConsoleModel).Sessions(), 1)
}

func TestConsole_Empty(t *testing.T) {
	m := NewConsoleModel(func() []multiplayer.Summary { return nil }, "", 80, 24)
	assert.Contains(t, m.View(), "No live sessions.")
}
