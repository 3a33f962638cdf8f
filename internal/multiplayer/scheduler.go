package multiplayer

import (
	"time"

	"github.com/vovakirdan/lockstep/internal/protocol"
)

// Wake runs the session's scheduler once. The manager calls it whenever
// now has reached the session's wake time.
//
// The next wake keeps long-term phase (wakeAt += period) unless the process
// overslept by more than one and a half periods, in which case pacing
// restarts from now. A session that is not yet running starts once every
// participant has loaded its assets; its first tick goes out on the
// following wake. A running session authorizes its next tick only if no
// participant trails it by more than the accepted lag. Otherwise the whole
// session stalls for the slowest participant.
func (s *Session) Wake(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	period := s.spec.MsecsPerTick()
	wakeAt := s.wakeAt.Load()
	if wakeAt == 0 || 2*(now-wakeAt) > 3*period {
		wakeAt = now + period
	} else {
		wakeAt += period
	}
	s.wakeAt.Store(wakeAt)

	switch {
	case !s.running:
		if s.allLoadedLocked() {
			s.running = true
			s.startedAt = time.Now()
			s.logger.Info("session started", "participants", len(s.order), "tps", s.spec.TicksPerSecond)
		}
	case s.admitLocked():
		if s.stalled {
			s.stalled = false
			s.logger.Debug("session resumed", "tick", s.currentTick)
		}
		s.broadcastLocked(protocol.Tick{Number: s.currentTick})
		s.currentTick++
	default:
		if !s.stalled {
			s.stalled = true
			s.logger.Debug("session stalled on slow participant", "tick", s.currentTick, "lag_ticks", s.spec.LagTicks())
		}
	}

	for _, p := range s.order {
		p.channel.Maintain(now)
	}
}

func (s *Session) allLoadedLocked() bool {
	for _, p := range s.order {
		if !p.allAssetsLoaded {
			return false
		}
	}
	return true
}

// admitLocked reports whether tick currentTick may be authorized: no
// participant may have processed fewer than currentTick - LagTicks ticks.
func (s *Session) admitLocked() bool {
	limit := s.spec.LagTicks()
	for _, p := range s.order {
		if s.currentTick-p.lastProcessedTick > limit {
			return false
		}
	}
	return true
}

// Running reports whether the session has started ticking.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CurrentTick returns the index of the next tick to authorize, which is
// also the number of ticks authorized so far.
func (s *Session) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTick
}
