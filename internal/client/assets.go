package client

import (
	"time"

	"github.com/vovakirdan/lockstep/internal/protocol"
)

// Assets simulates asset loading: one asset completes every interval
// after the first poll. Progress only ever moves forward.
type Assets struct {
	queued   int
	interval int64
	start    int64
	reported int
}

// NewAssets creates a loader for count assets.
func NewAssets(count int, interval time.Duration) *Assets {
	return &Assets{queued: count, interval: interval.Milliseconds(), reported: -1}
}

// Progress returns the progress to report at now, and false if nothing
// changed since the last report.
func (a *Assets) Progress(now int64) (protocol.AssetReady, bool) {
	if a.start == 0 {
		a.start = now
	}
	loaded := a.queued
	if a.interval > 0 {
		loaded = min(a.queued, int((now-a.start)/a.interval))
	}
	if loaded <= a.reported {
		return protocol.AssetReady{}, false
	}
	a.reported = loaded
	return protocol.AssetReady{Loaded: loaded, Queued: a.queued, AllLoaded: loaded == a.queued}, true
}

// Done reports whether every asset has been reported loaded.
func (a *Assets) Done() bool {
	return a.reported == a.queued
}

// Fraction is the loaded share in [0, 1], for progress bars.
func (a *Assets) Fraction() float64 {
	if a.queued == 0 {
		return 1
	}
	return float64(max(a.reported, 0)) / float64(a.queued)
}
