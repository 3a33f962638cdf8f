package client

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/protocol"
)

type fakeChannel struct {
	delivered [][]any
	acks      int
	needsAck  bool
}

func (f *fakeChannel) Deliver(payload ...any) error {
	f.delivered = append(f.delivered, payload)
	return nil
}

func (f *fakeChannel) NeedsAck(int64) bool { return f.needsAck }

func (f *fakeChannel) SendAck() {
	f.acks++
	f.needsAck = false
}

func (f *fakeChannel) tags() []string {
	var tags []string
	for _, p := range f.delivered {
		tags = append(tags, p[0].(string))
	}
	return tags
}

func (f *fakeChannel) lastAck(t *testing.T) int64 {
	t.Helper()
	for i := len(f.delivered) - 1; i >= 0; i-- {
		if f.delivered[i][0] == protocol.TagAck {
			return f.delivered[i][1].(int64)
		}
	}
	t.Fatal("no ack delivered")
	return 0
}

type recorder struct {
	ticks    []int64
	commands map[int64][]protocol.Command
}

func newRecorder() *recorder {
	return &recorder{commands: make(map[int64][]protocol.Command)}
}

func (r *recorder) Tick(tick int64, commands []protocol.Command) {
	r.ticks = append(r.ticks, tick)
	if len(commands) > 0 {
		r.commands[tick] = commands
	}
}

func payload(t *testing.T, fields ...any) []json.RawMessage {
	t.Helper()
	raw := make([]json.RawMessage, len(fields))
	for i, f := range fields {
		b, err := json.Marshal(f)
		require.NoError(t, err)
		raw[i] = b
	}
	return raw
}

func quietLogger() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel)
	return l
}

func newNetworked(t *testing.T, tps int, echo bool) (*Scheduler, *fakeChannel, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := NewScheduler(Options{
		ParticipantID:  "alice",
		TicksPerSecond: tps,
		EchoCommands:   echo,
		Clock:          clock.NewManual(1000),
		Logger:         quietLogger(),
	}, rec)
	ch := &fakeChannel{}
	s.Bind(ch)
	s.Start()
	return s, ch, rec
}

func authorize(t *testing.T, s *Scheduler, n int64) {
	t.Helper()
	s.HandlePayload(payload(t, protocol.TagTick, n))
}

func TestScheduler_NoTickWithoutAuthorization(t *testing.T) {
	s, ch, rec := newNetworked(t, 10, true)

	res := s.RunAt(1000)
	assert.Zero(t, res.Processed)
	res = s.RunAt(5000)
	assert.Zero(t, res.Processed)
	assert.False(t, s.Snapshot().ReallyRunning)
	assert.Empty(t, rec.ticks)
	assert.Empty(t, ch.delivered)
}

func TestScheduler_StallsAtPermittedAndResumes(t *testing.T) {
	s, ch, rec := newNetworked(t, 10, true)

	authorize(t, s, 0)
	s.RunAt(1000)
	assert.True(t, s.Snapshot().ReallyRunning)

	res := s.RunAt(1300)
	assert.Equal(t, 1, res.Processed)
	assert.True(t, res.Stalled)
	snap := s.Snapshot()
	assert.False(t, snap.ReallyRunning)
	assert.Equal(t, int64(1), snap.LastProcessedTick)
	assert.Equal(t, 1, snap.Resyncs)
	assert.Equal(t, int64(1), ch.lastAck(t))

	authorize(t, s, 1)
	authorize(t, s, 2)

	// Resuming restarts the accumulator; the stall time is not replayed.
	res = s.RunAt(1400)
	assert.Zero(t, res.Processed)
	res = s.RunAt(1600)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []int64{0, 1, 2}, rec.ticks)
	assert.Equal(t, int64(3), ch.lastAck(t))

	snap = s.Snapshot()
	assert.LessOrEqual(t, snap.LastProcessedTick, snap.LastPermittedTick)
}

func TestScheduler_CatchUpBudget(t *testing.T) {
	s, _, rec := newNetworked(t, 100, true)
	authorize(t, s, 99)

	s.RunAt(1000)
	res := s.RunAt(1300)
	assert.Equal(t, 10, res.Processed)
	assert.True(t, res.BudgetExhausted)

	res = s.RunAt(1300)
	assert.Equal(t, 10, res.Processed)
	assert.True(t, res.BudgetExhausted)
	res = s.RunAt(1300)
	assert.Equal(t, 10, res.Processed)
	assert.False(t, res.BudgetExhausted)

	res = s.RunAt(1300)
	assert.Zero(t, res.Processed)
	assert.Len(t, rec.ticks, 30)
	assert.Equal(t, 2, s.Snapshot().BudgetHits)
}

func TestScheduler_TickMessages(t *testing.T) {
	s, ch, _ := newNetworked(t, 10, true)

	authorize(t, s, 4)
	snap := s.Snapshot()
	assert.Equal(t, int64(5), snap.LastPermittedTick)
	assert.Equal(t, 5, snap.ClosedQueues)

	// Going backwards is a violation and changes nothing.
	authorize(t, s, 2)
	snap = s.Snapshot()
	assert.Equal(t, int64(5), snap.LastPermittedTick)
	assert.Equal(t, 5, snap.ClosedQueues)
	assert.Equal(t, []string{protocol.TagError}, ch.tags())

	// So is a message only a client may send.
	s.HandlePayload(payload(t, protocol.TagAck, 3))
	assert.Equal(t, []string{protocol.TagError, protocol.TagError}, ch.tags())
}

func TestScheduler_ServerErrorIsRecorded(t *testing.T) {
	s, ch, _ := newNetworked(t, 10, true)
	s.HandlePayload(payload(t, protocol.Error{Msg: "slow down"}.Fields()...))
	assert.Equal(t, "slow down", s.Snapshot().LastError)
	assert.Empty(t, ch.delivered)
}

func TestScheduler_EchoedCommandsLandOnTheirTick(t *testing.T) {
	s, ch, rec := newNetworked(t, 10, true)

	require.NoError(t, s.SendCommand(map[string]int{"move": 1}))
	assert.Equal(t, []string{protocol.TagCommand}, ch.tags())
	assert.Zero(t, s.Snapshot().OpenCommands, "echoed commands wait for the server")

	s.HandlePayload(payload(t, protocol.Command{SenderID: "alice", Body: json.RawMessage(`{"move":1}`)}.Fields()...))
	s.HandlePayload(payload(t, protocol.Command{SenderID: "bob", Body: json.RawMessage(`"jump"`)}.Fields()...))
	authorize(t, s, 0)
	s.HandlePayload(payload(t, protocol.Command{SenderID: "bob", Body: json.RawMessage(`"duck"`)}.Fields()...))
	authorize(t, s, 1)

	s.RunAt(1000)
	s.RunAt(1200)
	require.Equal(t, []int64{0, 1}, rec.ticks)

	require.Len(t, rec.commands[0], 2)
	assert.Equal(t, "alice", rec.commands[0][0].SenderID)
	assert.JSONEq(t, `{"move":1}`, string(rec.commands[0][0].Body))
	assert.Equal(t, "bob", rec.commands[0][1].SenderID)
	require.Len(t, rec.commands[1], 1)
	assert.JSONEq(t, `"duck"`, string(rec.commands[1][0].Body))
}

func TestScheduler_CommandsQueueLocallyWithoutEcho(t *testing.T) {
	s, ch, rec := newNetworked(t, 10, false)

	require.NoError(t, s.SendCommand("fire"))
	assert.Equal(t, []string{protocol.TagCommand}, ch.tags())
	assert.Equal(t, 1, s.Snapshot().OpenCommands)

	authorize(t, s, 0)
	s.RunAt(1000)
	s.RunAt(1100)
	require.Len(t, rec.commands[0], 1)
	assert.Equal(t, "alice", rec.commands[0][0].SenderID)
}

func TestScheduler_AckCoalescing(t *testing.T) {
	s, ch, _ := newNetworked(t, 10, true)

	// A pending channel ack alone goes out as a pure ack.
	ch.needsAck = true
	s.RunAt(1000)
	assert.Equal(t, 1, ch.acks)
	assert.Empty(t, ch.delivered)

	// A progress report carries it instead.
	authorize(t, s, 0)
	s.RunAt(1000)
	ch.needsAck = true
	s.RunAt(1100)
	assert.Equal(t, 1, ch.acks)
	assert.Equal(t, []string{protocol.TagAck}, ch.tags())

	// Nothing new to report, nothing sent.
	ch.needsAck = false
	s.RunAt(1150)
	assert.Len(t, ch.delivered, 1)
}

func TestScheduler_LocalRunsFreely(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(Options{
		ParticipantID:  "solo",
		TicksPerSecond: 10,
		Local:          true,
		Clock:          clock.NewManual(1000),
		Logger:         quietLogger(),
	}, rec)

	s.RunAt(1000)
	assert.Empty(t, rec.ticks, "stopped scheduler must not tick")

	s.Start()
	s.RunAt(1000)
	assert.Equal(t, 1, s.RunAt(1100).Processed)
	assert.Equal(t, 2, s.RunAt(1350).Processed)

	// A long suspension is clamped to a single tick.
	assert.Equal(t, 1, s.RunAt(9350).Processed)

	snap := s.Snapshot()
	assert.Equal(t, int64(4), snap.LastProcessedTick)
	assert.Equal(t, snap.LastProcessedTick, snap.LastPermittedTick)

	require.NoError(t, s.SendCommand("left"))
	assert.Equal(t, 1, s.Snapshot().OpenCommands)
	s.RunAt(9450)
	require.Len(t, rec.commands[4], 1)
	assert.Equal(t, "solo", rec.commands[4][0].SenderID)
}

func TestScheduler_StopHalts(t *testing.T) {
	s, _, rec := newNetworked(t, 10, true)
	authorize(t, s, 9)
	s.RunAt(1000)
	s.RunAt(1200)
	s.Stop()
	assert.Zero(t, s.RunAt(2000).Processed)
	assert.Len(t, rec.ticks, 2)
}

func TestScheduler_SendCommandUnbound(t *testing.T) {
	s := NewScheduler(Options{ParticipantID: "alice", Logger: quietLogger()}, TickFunc(func(int64, []protocol.Command) {}))
	assert.ErrorIs(t, s.SendCommand("x"), ErrNotConnected)
}

func TestAssets_ProgressIsMonotonic(t *testing.T) {
	a := NewAssets(3, 100*time.Millisecond)

	p, ok := a.Progress(1000)
	require.True(t, ok)
	assert.Equal(t, protocol.AssetReady{Loaded: 0, Queued: 3}, p)

	_, ok = a.Progress(1050)
	assert.False(t, ok)

	p, ok = a.Progress(1250)
	require.True(t, ok)
	assert.Equal(t, 2, p.Loaded)
	assert.False(t, p.AllLoaded)

	p, ok = a.Progress(5000)
	require.True(t, ok)
	assert.Equal(t, protocol.AssetReady{Loaded: 3, Queued: 3, AllLoaded: true}, p)
	assert.True(t, a.Done())

	_, ok = a.Progress(6000)
	assert.False(t, ok)
}

func TestAssets_NoneQueued(t *testing.T) {
	a := NewAssets(0, time.Second)
	p, ok := a.Progress(1)
	require.True(t, ok)
	assert.True(t, p.AllLoaded)
	assert.Equal(t, 1.0, a.Fraction())
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 300*time.Millisecond, b.Next())
	assert.Equal(t, 300*time.Millisecond, b.Next())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "ws://h:1/ws?token=a%2Bb", JoinURL("ws://h:1/", "a+b"))
}

func TestScheduler_RejectsRunawayTickGap(t *testing.T) {
	s, ch, _ := newNetworked(t, 10, true)

	authorize(t, s, 1_000_000_000_000)
	snap := s.Snapshot()
	assert.Zero(t, snap.LastPermittedTick)
	assert.Zero(t, snap.ClosedQueues)
	assert.Equal(t, []string{protocol.TagError}, ch.tags())

	authorize(t, s, 3)
	assert.Equal(t, int64(4), s.Snapshot().LastPermittedTick)
}

// Random interleavings of authorization, commands, Stop/Start and runs must
// never execute an unauthorized tick, and every command must land on the
// tick whose message closed its queue.
func TestScheduler_RandomizedNeverOutrunsAuthorization(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	s, _, rec := newNetworked(t, 20, true)

	now := int64(1000)
	next := int64(0)                 // next tick index to authorize
	var open []string                // command bodies received since the last tick message
	want := make(map[int64][]string) // tick -> command bodies

	for i := 0; i < 3000; i++ {
		switch op := rng.Intn(10); {
		case op < 3:
			for n := rng.Intn(3); n >= 0; n-- {
				authorize(t, s, next)
				want[next] = open
				open = nil
				next++
			}
		case op < 5:
			body := fmt.Sprintf(`{"n":%d}`, i)
			s.HandlePayload(payload(t, protocol.Command{SenderID: "bob", Body: json.RawMessage(body)}.Fields()...))
			open = append(open, body)
		case op == 5:
			s.Stop()
		case op == 6:
			s.Start()
		default:
			now += int64(rng.Intn(200))
			s.RunAt(now)
		}

		snap := s.Snapshot()
		require.LessOrEqual(t, snap.LastProcessedTick, snap.LastPermittedTick, "step %d", i)
		require.Equal(t, next, snap.LastPermittedTick, "step %d", i)
		require.Len(t, rec.ticks, int(snap.LastProcessedTick), "step %d", i)
	}

	require.NotEmpty(t, rec.ticks)
	for i, tick := range rec.ticks {
		require.Equal(t, int64(i), tick, "ticks run in order exactly once")
		var got []string
		for _, c := range rec.commands[tick] {
			got = append(got, string(c.Body))
		}
		assert.Equal(t, want[tick], got, "commands of tick %d", tick)
	}
}
