package multiplayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/lockstep/internal/channel"
	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/protocol"
)

// Participant is one commander's server-side record.
// It lives and dies with its session.
type Participant struct {
	id      ParticipantID
	channel *channel.Channel

	// Guarded by the owning session's mutex.
	lastProcessedTick int64
	assetsLoaded      int
	assetsQueued      int
	allAssetsLoaded   bool
}

// ID returns the participant identifier.
func (p *Participant) ID() ParticipantID {
	return p.id
}

// Channel returns the participant's message channel.
func (p *Participant) Channel() *channel.Channel {
	return p.channel
}

// SessionOptions carries the collaborators a session needs.
type SessionOptions struct {
	Clock   clock.Clock
	Logger  *log.Logger
	Channel channel.Options // Name, Clock and Logger are filled in per participant
}

// Session is a live game session.
//
// The wake scheduler and the payload router both mutate session state and
// are serialized by mu. Participant channels have their own locks and are
// only ever acquired after mu, never before it.
type Session struct {
	spec      Spec
	clock     clock.Clock
	logger    *log.Logger
	createdAt time.Time

	// wakeAt is read by the wake queue while the manager holds its own lock.
	wakeAt atomic.Int64

	mu          sync.Mutex
	players     map[ParticipantID]*Participant
	order       []*Participant // spec order, for deterministic broadcast
	currentTick int64          // index of the next tick to authorize
	running     bool
	stalled     bool
	closed      bool
	startedAt   time.Time
}

// NewSession instantiates a session and its participants from spec.
func NewSession(spec Spec, opts SessionOptions) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	s := &Session{
		spec:      spec,
		clock:     opts.Clock,
		logger:    opts.Logger.With("session", spec.ID),
		createdAt: time.Now(),
		players:   make(map[ParticipantID]*Participant, len(spec.Players)),
	}

	for _, id := range spec.Players {
		copts := opts.Channel
		copts.Name = fmt.Sprintf("%s/%s", spec.ID, id)
		copts.Clock = opts.Clock
		copts.Logger = opts.Logger

		p := &Participant{id: id}
		p.channel = channel.New(copts, func(payload []json.RawMessage) {
			s.HandlePayload(id, payload)
		})
		s.players[id] = p
		s.order = append(s.order, p)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() SessionID {
	return s.spec.ID
}

// WakeAt returns the absolute time of the next scheduled wake, 0 if unscheduled.
func (s *Session) WakeAt() int64 {
	return s.wakeAt.Load()
}

// Spec returns the spec the session was created from.
func (s *Session) Spec() Spec {
	return s.spec
}

// Participant looks up a participant by id.
// The participant set never changes, so no lock is needed.
func (s *Session) Participant(id ParticipantID) (*Participant, bool) {
	p, ok := s.players[id]
	return p, ok
}

// Attach binds a freshly connected transport to a participant's channel.
// The channel sends a recap request so the client resends whatever the
// server has not acknowledged.
func (s *Session) Attach(id ParticipantID, conn channel.Conn) error {
	p, ok := s.players[id]
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownParticipant, id, s.spec.ID)
	}
	if err := p.channel.Connect(conn); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	s.logger.Info("participant connected", "participant", id)
	return nil
}

// Detach unbinds conn from a participant if it is still the live transport.
func (s *Session) Detach(id ParticipantID, conn channel.Conn) {
	if p, ok := s.players[id]; ok {
		p.channel.Disconnect(conn)
		s.logger.Info("participant disconnected", "participant", id)
	}
}

// Receive feeds one inbound transport frame into a participant's channel.
func (s *Session) Receive(id ParticipantID, frame string) error {
	p, ok := s.players[id]
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownParticipant, id, s.spec.ID)
	}
	return p.channel.Receive(frame)
}

// HandlePayload routes one payload accepted by a participant's channel.
// Administrative messages update the participant's record; commands are
// forwarded to the session. Violations are reported back to the sender as
// an error message and the connection stays open.
func (s *Session) HandlePayload(id ParticipantID, payload []json.RawMessage) {
	msg, decodeErr := protocol.Decode(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	p, ok := s.players[id]
	if !ok {
		return
	}
	if decodeErr != nil {
		s.rejectLocked(p, decodeErr)
		return
	}

	switch m := msg.(type) {
	case protocol.Ack:
		if m.LastProcessedTick < p.lastProcessedTick {
			s.rejectLocked(p, protocol.Violation(protocol.TagAck,
				"progress went backwards from %d to %d", p.lastProcessedTick, m.LastProcessedTick))
			return
		}
		if m.LastProcessedTick > s.currentTick {
			s.rejectLocked(p, protocol.Violation(protocol.TagAck,
				"processed %d ticks but only %d were authorized", m.LastProcessedTick, s.currentTick))
			return
		}
		p.lastProcessedTick = m.LastProcessedTick

	case protocol.AssetReady:
		if m.Loaded < p.assetsLoaded || m.Queued < p.assetsQueued || (p.allAssetsLoaded && !m.AllLoaded) {
			s.rejectLocked(p, protocol.Violation(protocol.TagAssetReady,
				"asset progress went backwards from %d/%d to %d/%d", p.assetsLoaded, p.assetsQueued, m.Loaded, m.Queued))
			return
		}
		p.assetsLoaded, p.assetsQueued = m.Loaded, m.Queued
		if m.AllLoaded && !p.allAssetsLoaded {
			p.allAssetsLoaded = true
			s.logger.Info("participant loaded assets", "participant", id, "assets", m.Loaded)
		}

	case protocol.Error:
		s.logger.Warn("participant reported error", "participant", id, "msg", m.Msg)

	case protocol.Command:
		if ParticipantID(m.SenderID) != id {
			s.rejectLocked(p, protocol.Violation(protocol.TagCommand,
				"sender %q does not match participant %q", m.SenderID, id))
			return
		}
		s.broadcastCommandLocked(p, m)

	case protocol.Tick:
		s.rejectLocked(p, protocol.Violation(protocol.TagTick, "only the server authorizes ticks"))
	}
}

func (s *Session) broadcastCommandLocked(from *Participant, cmd protocol.Command) {
	fields := cmd.Fields()
	for _, p := range s.order {
		if p == from && !s.spec.EchoCommands {
			continue
		}
		if err := p.channel.Deliver(fields...); err != nil {
			s.logger.Debug("command not delivered", "participant", p.id, "error", err)
		}
	}
}

func (s *Session) broadcastLocked(msg protocol.Message) {
	fields := msg.Fields()
	for _, p := range s.order {
		if err := p.channel.Deliver(fields...); err != nil {
			s.logger.Debug("broadcast not delivered", "participant", p.id, "error", err)
		}
	}
}

func (s *Session) rejectLocked(p *Participant, err error) {
	s.logger.Warn("protocol violation", "participant", p.id, "error", err)
	if derr := p.channel.Deliver(protocol.Error{Msg: err.Error()}.Fields()...); derr != nil {
		s.logger.Debug("error not delivered", "participant", p.id, "error", derr)
	}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: it becomes inert, so a stale wake is a
// no-op, and every participant channel is closed. Close returns the
// history record on the first call and false afterwards.
func (s *Session) Close(reason CloseReason) (HistoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return HistoryRecord{}, false
	}
	s.closed = true

	rec := HistoryRecord{
		Spec:      s.spec,
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		ClosedAt:  time.Now(),
		FinalTick: s.currentTick,
		Reason:    reason,
	}
	for _, p := range s.order {
		rec.Participants = append(rec.Participants, ParticipantResult{
			ID:                p.id,
			LastProcessedTick: p.lastProcessedTick,
			AllAssetsLoaded:   p.allAssetsLoaded,
		})
		p.channel.Close()
	}
	s.logger.Info("session closed", "reason", reason, "tick", s.currentTick)
	return rec, true
}

// Summary returns a point-in-time view of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		ID:             s.spec.ID,
		TicksPerSecond: s.spec.TicksPerSecond,
		AcceptedLagMs:  s.spec.AcceptedLag.Milliseconds(),
		EchoCommands:   s.spec.EchoCommands,
		Running:        s.running,
		Stalled:        s.stalled,
		CurrentTick:    s.currentTick,
		WakeAt:         s.wakeAt.Load(),
		CreatedAt:      s.createdAt,
	}
	for _, p := range s.order {
		st := p.channel.Stats()
		sum.Participants = append(sum.Participants, ParticipantSummary{
			ID:                p.id,
			Connected:         st.Connected,
			LastProcessedTick: p.lastProcessedTick,
			AssetsLoaded:      p.assetsLoaded,
			AssetsQueued:      p.assetsQueued,
			AllAssetsLoaded:   p.allAssetsLoaded,
			Pending:           st.Pending,
		})
	}
	return sum
}
