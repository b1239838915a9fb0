package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

type Session struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       string     `json:"status"`
	Cycles       int        `json:"cycles"`
	LastResponse string     `json:"last_response"`
}

// Cycle is one journaled snapshot cycle. Frames are never stored, only their
// size.
type Cycle struct {
	SessionID  string    `json:"session_id"`
	Cycle      uint64    `json:"cycle"`
	Outcome    string    `json:"outcome"`
	SpokenText string    `json:"spoken_text"`
	Response   string    `json:"response"`
	Error      string    `json:"error,omitempty"`
	FrameBytes int       `json:"frame_bytes"`
	LatencyMS  int64     `json:"latency_ms"`
	CapturedAt time.Time `json:"captured_at"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "mentus.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			spoken_text TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			frame_bytes INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			captured_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create cycles table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_cycles_session_id ON cycles(session_id, cycle)"); err != nil {
		return fmt.Errorf("create cycles index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateSession(id string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(id, started_at, status) VALUES(?, ?, ?)`,
		id,
		startedAt.UTC().Format(time.RFC3339Nano),
		StatusActive,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EndSession(id string, endedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		StatusEnded,
		id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkInterrupted ends sessions left active by a previous run.
func (s *SQLiteStore) MarkInterrupted(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, status = ? WHERE status = ?`,
		now.UTC().Format(time.RFC3339Nano),
		StatusEnded,
		StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AppendCycle(c Cycle) error {
	_, err := s.db.Exec(
		`INSERT INTO cycles(session_id, cycle, outcome, spoken_text, response, error, frame_bytes, latency_ms, captured_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID,
		c.Cycle,
		c.Outcome,
		strings.TrimSpace(c.SpokenText),
		strings.TrimSpace(c.Response),
		c.Error,
		c.FrameBytes,
		c.LatencyMS,
		c.CapturedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append cycle for session %s: %w", c.SessionID, err)
	}
	return nil
}

const sessionColumns = `
	s.id, s.started_at, s.ended_at, s.status,
	(SELECT COUNT(*) FROM cycles c WHERE c.session_id = s.id),
	COALESCE((SELECT c.response FROM cycles c WHERE c.session_id = s.id AND c.outcome = 'guidance' ORDER BY c.id DESC LIMIT 1), '')`

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT`+sessionColumns+`
		 FROM sessions s
		 WHERE substr(s.started_at, 1, 10) = ?
		 ORDER BY s.started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT`+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetCycles(sessionID string) ([]Cycle, error) {
	rows, err := s.db.Query(
		`SELECT session_id, cycle, outcome, spoken_text, response, error, frame_bytes, latency_ms, captured_at
		 FROM cycles
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cycles for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	cycles := make([]Cycle, 0, 32)
	for rows.Next() {
		var c Cycle
		var ts string
		if err := rows.Scan(&c.SessionID, &c.Cycle, &c.Outcome, &c.SpokenText, &c.Response, &c.Error, &c.FrameBytes, &c.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("scan cycle for session %s: %w", sessionID, err)
		}

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse cycle timestamp for session %s: %w", sessionID, err)
		}
		c.CapturedAt = parsedTS

		cycles = append(cycles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows for session %s: %w", sessionID, err)
	}

	return cycles, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.Status, &sess.Cycles, &sess.LastResponse); err != nil {
		return Session{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}

	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}
