// Package multiplayer is the server side of the lock-step protocol.
// It owns game sessions and their participants, runs each session's wake
// scheduler under lag admission control, routes inbound payloads and
// multiplexes every session's next wake time onto one coarse timer.
package multiplayer

import (
	"errors"
	"fmt"
	"time"
)

// SessionID uniquely identifies a game session on this server.
type SessionID string

// ParticipantID identifies a commander within a session.
// It is the sender id carried by command messages.
type ParticipantID string

var (
	// ErrDuplicateSession is returned when a session id is already registered.
	ErrDuplicateSession = errors.New("multiplayer: duplicate session id")

	// ErrUnknownSession is returned for lookups of a session that does not exist.
	ErrUnknownSession = errors.New("multiplayer: unknown session")

	// ErrUnknownParticipant is returned when a participant is not part of a session.
	ErrUnknownParticipant = errors.New("multiplayer: unknown participant")

	// ErrInvalidSpec is returned when a session cannot be built from its spec.
	ErrInvalidSpec = errors.New("multiplayer: invalid session spec")

	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("multiplayer: session closed")
)

// Spec describes a session at creation time. The participant set and the
// timing parameters are fixed for the session's lifetime.
type Spec struct {
	ID             SessionID       `msgpack:"id"`
	Players        []ParticipantID `msgpack:"players"`
	TicksPerSecond int             `msgpack:"tps"`
	AcceptedLag    time.Duration   `msgpack:"lag"`

	// EchoCommands delivers each command back to its sender as well, so the
	// sender enqueues it at the same tick boundary as everyone else.
	EchoCommands bool `msgpack:"echo"`
}

// MaxTicksPerSecond bounds the tick rate; a tick must last at least 1ms.
const MaxTicksPerSecond = 1000

// Validate checks the spec for values a session cannot run with.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidSpec)
	}
	if len(s.Players) == 0 {
		return fmt.Errorf("%w: no participants", ErrInvalidSpec)
	}
	seen := make(map[ParticipantID]bool, len(s.Players))
	for _, p := range s.Players {
		if p == "" {
			return fmt.Errorf("%w: empty participant id", ErrInvalidSpec)
		}
		if seen[p] {
			return fmt.Errorf("%w: participant %q listed twice", ErrInvalidSpec, p)
		}
		seen[p] = true
	}
	if s.TicksPerSecond <= 0 || s.TicksPerSecond > MaxTicksPerSecond {
		return fmt.Errorf("%w: ticks per second %d out of range 1..%d", ErrInvalidSpec, s.TicksPerSecond, MaxTicksPerSecond)
	}
	if s.AcceptedLag < 0 {
		return fmt.Errorf("%w: negative accepted lag %s", ErrInvalidSpec, s.AcceptedLag)
	}
	return nil
}

// MsecsPerTick is the tick period in whole milliseconds.
func (s Spec) MsecsPerTick() int64 {
	return int64(1000 / s.TicksPerSecond)
}

// LagTicks is the admission threshold: how many ticks a participant may
// trail the session before the session stalls. Floor division.
func (s Spec) LagTicks() int64 {
	return s.AcceptedLag.Milliseconds() / s.MsecsPerTick()
}

// HasPlayer reports whether id is one of the session's participants.
func (s Spec) HasPlayer(id ParticipantID) bool {
	for _, p := range s.Players {
		if p == id {
			return true
		}
	}
	return false
}
