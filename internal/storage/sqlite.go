// Package storage provides SQLite-based persistence for session history.
// Uses the pure-Go modernc.org/sqlite driver to avoid CGO dependencies.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/vovakirdan/lockstep/internal/multiplayer"
)

// Store manages the SQLite database connection for session history.
type Store struct {
	db *sql.DB
}

// SessionRecord is a closed session as stored.
type SessionRecord struct {
	ID           int64                           `json:"-"`
	SessionID    string                          `json:"session_id"`
	Spec         multiplayer.Spec                `json:"-"`
	Players      []string                        `json:"players"`
	TicksPerSec  int                             `json:"ticks_per_second"`
	AcceptedLag  int64                           `json:"accepted_lag_msecs"`
	FinalTick    int64                           `json:"final_tick"`
	CloseReason  string                          `json:"close_reason"`
	CreatedAt    time.Time                       `json:"created_at"`
	StartedAt    time.Time                       `json:"started_at,omitzero"`
	ClosedAt     time.Time                       `json:"closed_at"`
	Participants []multiplayer.ParticipantResult `json:"participants"`
}

// Open creates or opens a SQLite database at the given path.
// It creates the parent directories if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	// Expand ~ to home directory
	if dbPath != "" && dbPath[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("storage: cannot expand home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	// Create parent directories
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: cannot create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: cannot connect to database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			spec BLOB NOT NULL,
			ticks_per_second INTEGER NOT NULL,
			accepted_lag_ms INTEGER NOT NULL,
			final_tick INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			closed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_closed_at ON sessions(closed_at DESC);

		CREATE TABLE IF NOT EXISTS session_participants (
			session_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			last_processed_tick INTEGER NOT NULL DEFAULT 0,
			all_assets_loaded INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, participant_id)
		);
		CREATE INDEX IF NOT EXISTS idx_participants_id ON session_participants(participant_id);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveSession implements multiplayer.HistorySaver.
// This adapter allows the manager to record history without direct storage dependency.
func (s *Store) SaveSession(rec multiplayer.HistoryRecord) error {
	blob, err := msgpack.Marshal(rec.Spec)
	if err != nil {
		return fmt.Errorf("storage: cannot encode spec: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: cannot begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var startedAt sql.NullInt64
	if !rec.StartedAt.IsZero() {
		startedAt = sql.NullInt64{Int64: rec.StartedAt.UnixMilli(), Valid: true}
	}

	_, err = tx.Exec(
		`INSERT INTO sessions
		 (session_id, spec, ticks_per_second, accepted_lag_ms, final_tick, close_reason, created_at, started_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Spec.ID),
		blob,
		rec.Spec.TicksPerSecond,
		rec.Spec.AcceptedLag.Milliseconds(),
		rec.FinalTick,
		rec.Reason.String(),
		rec.CreatedAt.UnixMilli(),
		startedAt,
		rec.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: cannot save session: %w", err)
	}

	for _, p := range rec.Participants {
		_, err := tx.Exec(
			`INSERT INTO session_participants (session_id, participant_id, last_processed_tick, all_assets_loaded)
			 VALUES (?, ?, ?, ?)`,
			string(rec.Spec.ID), string(p.ID), p.LastProcessedTick, p.AllAssetsLoaded,
		)
		if err != nil {
			return fmt.Errorf("storage: cannot save participant %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: cannot commit session: %w", err)
	}
	return nil
}

// Ensure Store implements HistorySaver
var _ multiplayer.HistorySaver = (*Store)(nil)

const sessionColumns = `id, session_id, spec, final_tick, close_reason, created_at, started_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var blob []byte
	var createdAt, closedAt int64
	var startedAt sql.NullInt64

	if err := row.Scan(&rec.ID, &rec.SessionID, &blob, &rec.FinalTick, &rec.CloseReason,
		&createdAt, &startedAt, &closedAt); err != nil {
		return rec, err
	}
	if err := msgpack.Unmarshal(blob, &rec.Spec); err != nil {
		return rec, fmt.Errorf("storage: cannot decode spec of %s: %w", rec.SessionID, err)
	}

	rec.TicksPerSec = rec.Spec.TicksPerSecond
	rec.AcceptedLag = rec.Spec.AcceptedLag.Milliseconds()
	for _, p := range rec.Spec.Players {
		rec.Players = append(rec.Players, string(p))
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ClosedAt = time.UnixMilli(closedAt)
	if startedAt.Valid {
		rec.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	return rec, nil
}

// SessionByID retrieves a stored session with its participants.
// Returns nil if the session was never stored.
func (s *Store) SessionByID(sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query session: %w", err)
	}

	rec.Participants, err = s.participants(sessionID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) participants(sessionID string) ([]multiplayer.ParticipantResult, error) {
	rows, err := s.db.Query(
		`SELECT participant_id, last_processed_tick, all_assets_loaded
		 FROM session_participants
		 WHERE session_id = ?
		 ORDER BY rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query participants: %w", err)
	}
	defer rows.Close()

	var out []multiplayer.ParticipantResult
	for rows.Next() {
		var p multiplayer.ParticipantResult
		var id string
		if err := rows.Scan(&id, &p.LastProcessedTick, &p.AllAssetsLoaded); err != nil {
			return nil, fmt.Errorf("storage: cannot scan participant: %w", err)
		}
		p.ID = multiplayer.ParticipantID(id)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return out, nil
}

// RecentSessions retrieves the most recently closed sessions.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY closed_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return results, nil
}

// ParticipantHistory retrieves the sessions a participant id took part in.
func (s *Store) ParticipantHistory(participantID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT s.id, s.session_id, s.spec, s.final_tick, s.close_reason, s.created_at, s.started_at, s.closed_at
		 FROM sessions s
		 JOIN session_participants p ON p.session_id = s.session_id
		 WHERE p.participant_id = ?
		 ORDER BY s.closed_at DESC
		 LIMIT ?`,
		participantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query participant sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}
	return results, nil
}

// HistoryStats contains aggregated statistics over stored sessions.
type HistoryStats struct {
	Sessions   int            `json:"sessions"`
	TotalTicks int64          `json:"total_ticks"`
	MaxTick    int64          `json:"max_tick"`
	ByReason   map[string]int `json:"by_reason"`
}

// Stats aggregates the stored history.
func (s *Store) Stats() (*HistoryStats, error) {
	stats := &HistoryStats{ByReason: make(map[string]int)}

	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(final_tick), 0), COALESCE(MAX(final_tick), 0) FROM sessions`,
	).Scan(&stats.Sessions, &stats.TotalTicks, &stats.MaxTick)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot get history stats: %w", err)
	}

	rows, err := s.db.Query(`SELECT close_reason, COUNT(*) FROM sessions GROUP BY close_reason`)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot group sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("storage: cannot scan stats row: %w", err)
		}
		stats.ByReason[reason] = n
	}
	return stats, rows.Err()
}

// GetSetting returns a stored setting, or "" if it is unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: cannot read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a setting, replacing any previous value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot write setting %s: %w", key, err)
	}
	return nil
}
