package multiplayer

import "time"

// CloseReason describes why a session was torn down.
type CloseReason int

const (
	CloseReasonRemoved  CloseReason = iota // Removed through the API or CLI
	CloseReasonShutdown                    // Server shut down
	CloseReasonExpired                     // Never started within the start timeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonRemoved:
		return "removed"
	case CloseReasonShutdown:
		return "shutdown"
	case CloseReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParticipantResult is a participant's final progress when its session closed.
type ParticipantResult struct {
	ID                ParticipantID `json:"id"`
	LastProcessedTick int64         `json:"last_processed_tick"`
	AllAssetsLoaded   bool          `json:"all_assets_loaded"`
}

// HistoryRecord is what a closed session leaves behind for persistence.
type HistoryRecord struct {
	Spec         Spec
	CreatedAt    time.Time
	StartedAt    time.Time // zero if the session never started
	ClosedAt     time.Time
	FinalTick    int64
	Reason       CloseReason
	Participants []ParticipantResult
}

// HistorySaver persists closed sessions.
// This allows the manager to record history without depending on the storage package.
type HistorySaver interface {
	SaveSession(rec HistoryRecord) error
}

// ParticipantSummary is a point-in-time view of one participant.
type ParticipantSummary struct {
	ID                ParticipantID `json:"id"`
	Connected         bool          `json:"connected"`
	LastProcessedTick int64         `json:"last_processed_tick"`
	AssetsLoaded      int           `json:"assets_loaded"`
	AssetsQueued      int           `json:"assets_queued"`
	AllAssetsLoaded   bool          `json:"all_assets_loaded"`
	Pending           int           `json:"pending"`
}

// Summary is a point-in-time view of a live session.
type Summary struct {
	ID             SessionID            `json:"id"`
	TicksPerSecond int                  `json:"ticks_per_second"`
	AcceptedLagMs  int64                `json:"accepted_lag_msecs"`
	EchoCommands   bool                 `json:"echo_commands"`
	Running        bool                 `json:"running"`
	Stalled        bool                 `json:"stalled"`
	CurrentTick    int64                `json:"current_tick"`
	WakeAt         int64                `json:"wake_at"`
	CreatedAt      time.Time            `json:"created_at"`
	Participants   []ParticipantSummary `json:"participants"`
}
