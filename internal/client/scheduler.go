// Package client runs the participant side of the lock-step protocol: a
// scheduler that turns wall-clock time into simulation ticks, but only as
// far as the server has authorized them.
package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/protocol"
)

// TickBody is the simulation. Tick is called exactly once per authorized
// tick, in tick order, with the commands queued for that tick. It must not
// block and must not call back into the Scheduler.
type TickBody interface {
	Tick(tick int64, commands []protocol.Command)
}

// TickFunc adapts a function to TickBody.
type TickFunc func(tick int64, commands []protocol.Command)

// Tick calls f.
func (f TickFunc) Tick(tick int64, commands []protocol.Command) { f(tick, commands) }

// Channel is the part of the message channel the scheduler talks through.
type Channel interface {
	Deliver(payload ...any) error
	NeedsAck(now int64) bool
	SendAck()
}

// Options configures a scheduler.
type Options struct {
	ParticipantID  string
	TicksPerSecond int

	// Local sessions run without a server: every tick is authorized.
	Local bool

	// EchoCommands must match the server: when set, the server sends our
	// own commands back and we queue them on arrival like everyone else's.
	EchoCommands bool

	CatchUpBudget int           // Max ticks per Run; defaults to 10
	SuspendClamp  time.Duration // Local sessions only; defaults to 500ms

	Clock  clock.Clock
	Logger *log.Logger
}

// Result reports what one Run did.
type Result struct {
	Processed       int  // Ticks executed
	BudgetExhausted bool // Stopped with ticks still due
	Stalled         bool // Due tick was not authorized; resynchronizing
}

// Draw reports whether the presentation should redraw.
func (r Result) Draw() bool {
	return r.Processed > 0
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running           bool
	ReallyRunning     bool
	LastProcessedTick int64
	LastPermittedTick int64
	ClosedQueues      int
	OpenCommands      int
	BudgetHits        int
	Resyncs           int
	LastError         string
	TicksPerSecond    int
}

// Scheduler is the client session scheduler.
//
// It is STOPPED until Start, then alternates between catching up and
// running. When a tick is due but not yet authorized it drops out of
// really-running and waits for authorization before resuming from exactly
// the next unprocessed tick.
type Scheduler struct {
	id           string
	local        bool
	echo         bool
	msecsPerTick int64
	tps          int
	budget       int
	clamp        int64
	clock        clock.Clock
	logger       *log.Logger
	body         TickBody

	mu                sync.Mutex
	ch                Channel // nil for local sessions
	running           bool
	reallyRunning     bool
	lastProcessedTick int64 // ticks executed so far
	lastPermittedTick int64 // ticks authorized so far
	msecsSinceTick    int64
	lastRunAt         int64
	queues            [][]protocol.Command // [0] is open; the last is the oldest closed
	progressPending   bool
	budgetHits        int
	resyncs           int
	lastError         string
}

// NewScheduler creates a stopped scheduler around body.
func NewScheduler(opts Options, body TickBody) *Scheduler {
	if opts.TicksPerSecond <= 0 {
		opts.TicksPerSecond = 10
	}
	if opts.CatchUpBudget <= 0 {
		opts.CatchUpBudget = 10
	}
	if opts.SuspendClamp <= 0 {
		opts.SuspendClamp = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Scheduler{
		id:           opts.ParticipantID,
		local:        opts.Local,
		echo:         opts.EchoCommands,
		msecsPerTick: int64(1000 / opts.TicksPerSecond),
		tps:          opts.TicksPerSecond,
		budget:       opts.CatchUpBudget,
		clamp:        opts.SuspendClamp.Milliseconds(),
		clock:        opts.Clock,
		logger:       opts.Logger.With("participant", opts.ParticipantID),
		body:         body,
		queues:       [][]protocol.Command{nil},
	}
}

// Bind attaches the channel used for acks and outgoing messages.
func (s *Scheduler) Bind(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
}

// Start asks for ticks to flow.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Stop halts tick processing until the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.reallyRunning = false
}

// Run is one scheduler invocation. Call it at a fixed cadence, independent
// of rendering.
func (s *Scheduler) Run() Result {
	return s.RunAt(s.clock.NowMillis())
}

// RunAt is Run with an explicit current time.
func (s *Scheduler) RunAt(now int64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	channelAck := s.ch != nil && s.ch.NeedsAck(now)

	if !s.reallyRunning && s.running && s.authorizedLocked() {
		s.reallyRunning = true
		s.msecsSinceTick = 0
		s.lastRunAt = now
		s.logger.Debug("ticks flowing", "processed", s.lastProcessedTick, "permitted", s.lastPermittedTick)
	}

	if s.reallyRunning {
		elapsed := now - s.lastRunAt
		s.lastRunAt = now
		s.msecsSinceTick += elapsed
		if s.local && elapsed > s.clamp {
			s.msecsSinceTick = s.msecsPerTick
		}

		budget := s.budget
		for s.msecsSinceTick >= s.msecsPerTick {
			if budget == 0 {
				res.BudgetExhausted = true
				s.budgetHits++
				s.logger.Debug("catch-up budget exhausted", "behind_ms", s.msecsSinceTick)
				break
			}
			if !s.authorizedLocked() {
				s.reallyRunning = false
				s.resyncs++
				res.Stalled = true
				s.logger.Debug("waiting for authorization", "processed", s.lastProcessedTick)
				break
			}

			commands := s.dequeueLocked()
			s.body.Tick(s.lastProcessedTick, commands)
			s.lastProcessedTick++
			if s.local {
				s.lastPermittedTick = s.lastProcessedTick
			} else {
				s.progressPending = true
			}
			s.msecsSinceTick -= s.msecsPerTick
			budget--
			res.Processed++
		}
	}

	// A progress report carries the channel ack, so at most one frame goes out.
	switch {
	case s.ch == nil:
	case s.progressPending:
		if err := s.ch.Deliver(protocol.Ack{LastProcessedTick: s.lastProcessedTick}.Fields()...); err == nil {
			s.progressPending = false
		}
	case channelAck:
		s.ch.SendAck()
	}
	return res
}

func (s *Scheduler) authorizedLocked() bool {
	return s.local || s.lastPermittedTick > s.lastProcessedTick
}

// dequeueLocked returns the commands for the tick about to run. A local
// session closes its own open queue first; a networked session's queues
// were closed by tick messages.
func (s *Scheduler) dequeueLocked() []protocol.Command {
	if s.local {
		s.closeQueueLocked()
	}
	last := len(s.queues) - 1
	if last == 0 {
		return nil
	}
	cmds := s.queues[last]
	s.queues[last] = nil
	s.queues = s.queues[:last]
	return cmds
}

func (s *Scheduler) closeQueueLocked() {
	s.queues = append(s.queues, nil)
	copy(s.queues[1:], s.queues)
	s.queues[0] = nil
}

// maxTickGap bounds how far one tick message may move the authorization
// ahead. The server authorizes ticks one at a time.
const maxTickGap = 1024

// HandlePayload is the channel handler for messages from the server.
func (s *Scheduler) HandlePayload(payload []json.RawMessage) {
	msg, err := protocol.Decode(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.reportLocked(err)
		return
	}

	switch m := msg.(type) {
	case protocol.Tick:
		if m.Number < s.lastPermittedTick {
			s.reportLocked(protocol.Violation(protocol.TagTick, "tick %d already authorized", m.Number))
			return
		}
		if m.Number-s.lastPermittedTick >= maxTickGap {
			s.reportLocked(protocol.Violation(protocol.TagTick,
				"tick %d skips too far ahead of %d authorized", m.Number, s.lastPermittedTick))
			return
		}
		for s.lastPermittedTick <= m.Number {
			s.closeQueueLocked()
			s.lastPermittedTick++
		}
	case protocol.Command:
		s.queues[0] = append(s.queues[0], m)
	case protocol.Error:
		s.lastError = m.Msg
		s.logger.Warn("server reported error", "msg", m.Msg)
	default:
		s.reportLocked(protocol.Violation("", "unexpected %T from server", msg))
	}
}

func (s *Scheduler) reportLocked(err error) {
	s.logger.Warn("protocol violation", "error", err)
	if s.ch != nil {
		_ = s.ch.Deliver(protocol.Error{Msg: err.Error()}.Fields()...) //nolint:errcheck // closed channel
	}
}

// SendCommand submits a game command. Networked commands go to the server;
// they reach the local queue when the server echoes them, or immediately
// when echo is off. Local commands are queued directly.
func (s *Scheduler) SendCommand(body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	cmd := protocol.Command{SenderID: s.id, Body: raw}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local || !s.echo {
		s.queues[0] = append(s.queues[0], cmd)
	}
	if s.local {
		return nil
	}
	if s.ch == nil {
		return ErrNotConnected
	}
	return s.ch.Deliver(cmd.Fields()...)
}

// Snapshot returns a point-in-time view of the scheduler.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:           s.running,
		ReallyRunning:     s.reallyRunning,
		LastProcessedTick: s.lastProcessedTick,
		LastPermittedTick: s.lastPermittedTick,
		ClosedQueues:      len(s.queues) - 1,
		OpenCommands:      len(s.queues[0]),
		BudgetHits:        s.budgetHits,
		Resyncs:           s.resyncs,
		LastError:         s.lastError,
		TicksPerSecond:    s.tps,
	}
}
