package client

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/lockstep/internal/channel"
	"github.com/vovakirdan/lockstep/internal/clock"
	"github.com/vovakirdan/lockstep/internal/config"
)

// SessionConfig describes one participant's runtime.
type SessionConfig struct {
	ParticipantID  string
	TicksPerSecond int
	EchoCommands   bool
	Local          bool
	Client         config.ClientConfig
	Clock          clock.Clock
	Logger         *log.Logger
}

// Session bundles the scheduler with the channel it talks through and the
// asset loader that gates the server's start. Local sessions have neither.
type Session struct {
	sched  *Scheduler
	ch     *channel.Channel
	assets *Assets
	clock  clock.Clock
	logger *log.Logger
}

// NewSession wires a session around body. The scheduler is started; a
// networked one still waits for the server's first tick.
func NewSession(cfg SessionConfig, body TickBody) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Local {
		cfg.TicksPerSecond = cmpOr(cfg.TicksPerSecond, cfg.Client.LocalTicksPerSecond)
	}

	s := &Session{clock: cfg.Clock, logger: cfg.Logger}
	s.sched = NewScheduler(Options{
		ParticipantID:  cfg.ParticipantID,
		TicksPerSecond: cfg.TicksPerSecond,
		Local:          cfg.Local,
		EchoCommands:   cfg.EchoCommands,
		CatchUpBudget:  cfg.Client.CatchUpBudget,
		SuspendClamp:   cfg.Client.SuspendClamp,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
	}, body)

	if !cfg.Local {
		s.ch = channel.New(channel.Options{
			Name:          cfg.ParticipantID,
			Clock:         cfg.Clock,
			IdleKeepAlive: cfg.Client.Channel.IdleKeepAlive,
			AckDelay:      cfg.Client.Channel.AckDelay,
			Logger:        cfg.Logger,
		}, s.sched.HandlePayload)
		s.sched.Bind(s.ch)
		s.assets = NewAssets(cfg.Client.Assets.Count, cfg.Client.Assets.Interval)
	}
	s.sched.Start()
	return s
}

func cmpOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Scheduler returns the session's scheduler.
func (s *Session) Scheduler() *Scheduler { return s.sched }

// Channel returns the message channel, nil for local sessions.
func (s *Session) Channel() *channel.Channel { return s.ch }

// Assets returns the asset loader, nil for local sessions.
func (s *Session) Assets() *Assets { return s.assets }

// Local reports whether the session runs without a server.
func (s *Session) Local() bool { return s.ch == nil }

// Step reports asset progress, runs the scheduler once and keeps the
// channel alive.
func (s *Session) Step() Result {
	now := s.clock.NowMillis()
	if s.assets != nil {
		if progress, ok := s.assets.Progress(now); ok {
			if err := s.ch.Deliver(progress.Fields()...); err != nil {
				s.logger.Debug("asset progress not sent", "error", err)
			}
		}
	}
	res := s.sched.RunAt(now)
	if s.ch != nil {
		s.ch.Maintain(now)
	}
	return res
}

// Run steps the session every cadence until ctx is done. onStep, if set, is
// called after every step.
func (s *Session) Run(ctx context.Context, cadence time.Duration, onStep func(Result)) error {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res := s.Step()
			if onStep != nil {
				onStep(res)
			}
		}
	}
}

// Close stops the scheduler and closes the channel.
func (s *Session) Close() {
	s.sched.Stop()
	if s.ch != nil {
		s.ch.Close()
	}
}
