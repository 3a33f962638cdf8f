package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEmbeddedDefaultsMatchHardcoded(t *testing.T) {
	var server ServerConfig
	require.NoError(t, yaml.Unmarshal(defaultServerYAML, &server))
	want := DefaultServerConfig()
	want.Sessions = []SessionSpec{}
	assert.Equal(t, want, server)

	var client ClientConfig
	require.NoError(t, yaml.Unmarshal(defaultClientYAML, &client))
	assert.Equal(t, DefaultClientConfig(), client)
}

func TestLoadServer_CustomPathOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := []byte(`
addr: ":9999"
session_defaults:
  ticks_per_second: 30
sessions:
  - id: duel
    players: [red, blue]
    accepted_lag: 250ms
  - id: strict
    players: [red, blue]
    accepted_lag: 0s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 30, cfg.SessionDefaults.TicksPerSecond)
	assert.Equal(t, 500*time.Millisecond, cfg.SessionDefaults.AcceptedLag, "untouched keys keep their default")
	assert.Equal(t, 100*time.Millisecond, cfg.Channel.AckDelay)
	require.Len(t, cfg.Sessions, 2)
	assert.Equal(t, []string{"red", "blue"}, cfg.Sessions[0].Players)
	require.NotNil(t, cfg.Sessions[0].AcceptedLag)
	assert.Equal(t, 250*time.Millisecond, *cfg.Sessions[0].AcceptedLag)
	require.NotNil(t, cfg.Sessions[1].AcceptedLag, "an explicit zero lag is kept")
	assert.Zero(t, *cfg.Sessions[1].AcceptedLag)
}

func TestLoadServer_MissingCustomPath(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadServer_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  resolution: 0s\n"), 0o600))

	_, err := LoadServer(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadServer_DuplicateBootSessions(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Sessions = []SessionSpec{{ID: "a"}, {ID: "a"}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestLoadClient_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catch_up_budget: 4\n"), 0o600))

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.CatchUpBudget)
	assert.Equal(t, 10*time.Millisecond, cfg.Cadence)
	assert.Equal(t, 500*time.Millisecond, cfg.SuspendClamp)
}

func TestClientConfig_Validate(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Reconnect.MaxBackoff = time.Millisecond
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = DefaultClientConfig()
	cfg.Channel.AckDelay = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestSessionDefaults_Apply(t *testing.T) {
	d := SessionDefaults{TicksPerSecond: 10, AcceptedLag: 500 * time.Millisecond, EchoCommands: true}

	got := d.Apply(SessionSpec{ID: "x", Players: []string{"a"}})
	assert.Equal(t, 10, got.TicksPerSecond)
	assert.Equal(t, 500*time.Millisecond, *got.AcceptedLag)
	assert.Equal(t, int64(500), *got.AcceptedLagMs)
	require.NotNil(t, got.EchoCommands)
	assert.True(t, *got.EchoCommands)

	off := false
	ms := int64(120)
	got = d.Apply(SessionSpec{TicksPerSecond: 25, AcceptedLagMs: &ms, EchoCommands: &off})
	assert.Equal(t, 25, got.TicksPerSecond)
	assert.Equal(t, 120*time.Millisecond, *got.AcceptedLag)
	assert.False(t, *got.EchoCommands)
}

func TestSessionDefaults_ApplyKeepsZeroLag(t *testing.T) {
	d := SessionDefaults{TicksPerSecond: 10, AcceptedLag: 500 * time.Millisecond}

	zero := int64(0)
	got := d.Apply(SessionSpec{AcceptedLagMs: &zero})
	assert.Zero(t, *got.AcceptedLag)
	assert.Zero(t, *got.AcceptedLagMs)

	strict := time.Duration(0)
	got = d.Apply(SessionSpec{AcceptedLag: &strict})
	assert.Zero(t, *got.AcceptedLag)
}
