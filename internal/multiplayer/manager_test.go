package multiplayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/protocol"
)

type memorySaver struct {
	mu      sync.Mutex
	records []HistoryRecord
	err     error
}

func (m *memorySaver) SaveSession(rec HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func newTestManager(t *testing.T) (*Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1000)
	cfg := DefaultManagerConfig()
	cfg.StartTimeout = time.Minute
	return NewManager(cfg, clk, quietLogger()), clk
}

func specFor(id string, players ...ParticipantID) Spec {
	if len(players) == 0 {
		players = []ParticipantID{"p1", "p2"}
	}
	return Spec{ID: SessionID(id), Players: players, TicksPerSecond: 20, AcceptedLag: time.Second, EchoCommands: true}
}

func TestManager_RejectsDuplicateSession(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Create(specFor("alpha"))
	require.NoError(t, err)

	_, err = m.Create(specFor("alpha", "other"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateSession))

	got, ok := m.Get("alpha")
	require.True(t, ok)
	assert.Same(t, first, got, "existing session is never overwritten")
	assert.Equal(t, 1, m.Count())
}

func TestManager_CreateRejectsInvalidSpec(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(Spec{ID: "bad", Players: []ParticipantID{"a"}})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.Equal(t, 0, m.Count())
}

func TestManager_PollWakesDueSessionsOnce(t *testing.T) {
	m, clk := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Create(specFor(fmt.Sprintf("s%d", i)))
		require.NoError(t, err)
	}

	// New sessions are unscheduled and wake on the first poll.
	assert.Equal(t, 3, m.Poll(clk.NowMillis()))
	assert.Equal(t, 3, m.Scheduled())

	// Nothing is due until a full period (50ms) has passed.
	assert.Equal(t, 0, m.Poll(clk.Advance(49)))
	assert.Equal(t, 3, m.Poll(clk.Advance(1)))

	// A long stall wakes each session once, not once per missed period.
	assert.Equal(t, 3, m.Poll(clk.Advance(10_000)))
	for _, sum := range m.List() {
		assert.Equal(t, clk.NowMillis()+50, sum.WakeAt)
	}
}

func TestManager_DrivesSessionsToTicks(t *testing.T) {
	m, clk := newTestManager(t)
	s, err := m.Create(specFor("game"))
	require.NoError(t, err)

	conns := map[ParticipantID]*fakeConn{"p1": {}, "p2": {}}
	for id, c := range conns {
		require.NoError(t, s.Attach(id, c))
		s.HandlePayload(id, payload(t, protocol.AssetReady{Loaded: 1, Queued: 1, AllLoaded: true}))
	}

	m.Poll(clk.NowMillis()) // start
	for i := 0; i < 5; i++ {
		m.Poll(clk.Advance(50))
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, ticksIn(conns["p1"].messages(t)))
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, ticksIn(conns["p2"].messages(t)))
}

func TestManager_RemoveTearsDown(t *testing.T) {
	m, clk := newTestManager(t)
	saver := &memorySaver{}
	m.SetHistorySaver(saver)

	s, err := m.Create(specFor("gone"))
	require.NoError(t, err)
	conn := &fakeConn{}
	require.NoError(t, s.Attach("p1", conn))

	require.NoError(t, m.Remove("gone", CloseReasonRemoved))
	assert.ErrorIs(t, m.Remove("gone", CloseReasonRemoved), ErrUnknownSession)

	_, ok := m.Get("gone")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Scheduled())
	assert.True(t, s.Closed())
	assert.True(t, conn.closed)
	assert.Equal(t, 0, m.Poll(clk.Advance(1000)))

	require.Len(t, saver.records, 1)
	assert.Equal(t, CloseReasonRemoved, saver.records[0].Reason)
	assert.Equal(t, SessionID("gone"), saver.records[0].Spec.ID)
}

func TestManager_StaleDequeueOfClosedSessionIsNoop(t *testing.T) {
	m, clk := newTestManager(t)
	s, err := m.Create(specFor("zombie"))
	require.NoError(t, err)

	// Closed behind the manager's back: the queued entry is stale.
	s.Close(CloseReasonRemoved)

	assert.Equal(t, 1, m.Poll(clk.NowMillis()))
	assert.Equal(t, int64(0), s.WakeAt(), "inert session was not rescheduled")
	assert.Equal(t, 0, m.Scheduled())
}

func TestManager_SaverErrorDoesNotBlockTeardown(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetHistorySaver(&memorySaver{err: errors.New("disk full")})

	_, err := m.Create(specFor("x"))
	require.NoError(t, err)
	require.NoError(t, m.Remove("x", CloseReasonRemoved))
	assert.Equal(t, 0, m.Count())
}

func TestManager_ExpireStale(t *testing.T) {
	m, clk := newTestManager(t)
	saver := &memorySaver{}
	m.SetHistorySaver(saver)

	waiting, err := m.Create(specFor("waiting"))
	require.NoError(t, err)
	started, err := m.Create(specFor("started"))
	require.NoError(t, err)
	for _, id := range started.Spec().Players {
		started.HandlePayload(id, payload(t, protocol.AssetReady{AllLoaded: true}))
	}
	m.Poll(clk.NowMillis())
	require.True(t, started.Running())

	assert.Equal(t, 0, m.ExpireStale(time.Now()))
	assert.Equal(t, 1, m.ExpireStale(time.Now().Add(2*time.Minute)))

	assert.True(t, waiting.Closed())
	assert.False(t, started.Closed())
	require.Len(t, saver.records, 1)
	assert.Equal(t, CloseReasonExpired, saver.records[0].Reason)
}

func TestManager_ListIsSorted(t *testing.T) {
	m, _ := newTestManager(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Create(specFor(id))
		require.NoError(t, err)
	}
	var ids []SessionID
	for _, sum := range m.List() {
		ids = append(ids, sum.ID)
		assert.Len(t, sum.Participants, 2)
	}
	assert.Equal(t, []SessionID{"a", "b", "c"}, ids)
}

func TestManager_CloseShutsEverythingDown(t *testing.T) {
	m, _ := newTestManager(t)
	saver := &memorySaver{}
	m.SetHistorySaver(saver)
	for _, id := range []string{"a", "b"} {
		_, err := m.Create(specFor(id))
		require.NoError(t, err)
	}

	m.Close()
	assert.Equal(t, 0, m.Count())
	require.Len(t, saver.records, 2)
	for _, rec := range saver.records {
		assert.Equal(t, CloseReasonShutdown, rec.Reason)
	}
}

func TestManager_RunStops(t *testing.T) {
	m := NewManager(ManagerConfig{Resolution: time.Millisecond}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	cancel()
}
