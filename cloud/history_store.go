package cloud

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS scc_runs (
	run_id        TEXT PRIMARY KEY,
	project       TEXT NOT NULL,
	chunk         TEXT NOT NULL,
	session       TEXT,
	criterion     TEXT NOT NULL,
	status        TEXT NOT NULL,
	iterations    INTEGER NOT NULL,
	points_before INTEGER,
	points_after  INTEGER,
	rms_before    REAL,
	rms_after     REAL,
	result_json   TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scc_runs_chunk ON scc_runs (project, chunk, created_at);
`

// HistoryRecord is one persisted cleaning step.
type HistoryRecord struct {
	RunID     string
	Project   string
	Chunk     string
	Session   string
	Result    *RunResult
	CreatedAt int64 // unix nanoseconds
}

// HistoryStore keeps every run ever made, unlike the session document which
// only remembers the latest result per step.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore opens (and if needed creates) the sqlite database at path.
// ":memory:" opens a private in-memory database.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return NewHistoryStore(db), nil
}

// NewHistoryStore wraps an open database that already has the schema.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Insert persists a record. If RunID is empty, the result's id or a new
// UUID is used.
func (s *HistoryStore) Insert(rec *HistoryRecord) error {
	if rec.Result == nil {
		return fmt.Errorf("history record without result")
	}
	if rec.RunID == "" {
		rec.RunID = rec.Result.ID
	}
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixNano()
	}

	data, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	r := rec.Result
	_, err = s.db.Exec(`
		INSERT INTO scc_runs (
			run_id, project, chunk, session, criterion, status, iterations,
			points_before, points_after, rms_before, rms_after,
			result_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Project, rec.Chunk, rec.Session, r.Criterion.String(), string(r.Status), r.Iterations,
		r.Points.Before, r.Points.After, nullable(r.RMS.Before), nullable(r.RMS.After),
		string(data), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.RunID, err)
	}
	return nil
}

func nullable(o Optional) interface{} {
	if !o.Valid {
		return nil
	}
	return o.Value
}

// ListByChunk returns the runs of one chunk, newest first.
func (s *HistoryStore) ListByChunk(project, chunk string) ([]*HistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, project, chunk, session, result_json, created_at
		FROM scc_runs
		WHERE project = ? AND chunk = ?
		ORDER BY created_at DESC`, project, chunk)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		rec, err := scanHistoryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns a single run by id.
func (s *HistoryStore) Get(runID string) (*HistoryRecord, error) {
	row := s.db.QueryRow(`
		SELECT run_id, project, chunk, session, result_json, created_at
		FROM scc_runs
		WHERE run_id = ?`, runID)
	rec, err := scanHistoryRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistoryRecord(row rowScanner) (*HistoryRecord, error) {
	var rec HistoryRecord
	var session sql.NullString
	var data string
	if err := row.Scan(&rec.RunID, &rec.Project, &rec.Chunk, &session, &data, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	rec.Session = session.String
	rec.Result = &RunResult{}
	if err := json.Unmarshal([]byte(data), rec.Result); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", rec.RunID, err)
	}
	return &rec, nil
}
