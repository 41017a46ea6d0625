// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides the SQLite-backed qualification record store for
// deployments that need records to survive restarts. Semantics match the
// in-memory store: records are never deleted, transitions are atomic, and
// at most one verification per model is in flight.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inference-grid/powerqual/internal/qualify"
	"github.com/inference-grid/powerqual/internal/stats"
	"github.com/inference-grid/powerqual/internal/tier"
)

const schema = `
CREATE TABLE IF NOT EXISTS qualification_records (
	id               TEXT PRIMARY KEY,
	model_id         TEXT NOT NULL,
	status           TEXT NOT NULL,
	tier             TEXT NOT NULL DEFAULT '',
	discount_percent REAL NOT NULL DEFAULT 0,
	declared         TEXT NOT NULL,
	environment      TEXT NOT NULL,
	measured         TEXT,
	within_tolerance INTEGER,
	deltas           TEXT,
	reasoning        TEXT NOT NULL DEFAULT '',
	submitted_at     INTEGER NOT NULL,
	verified_at      INTEGER,
	valid_until      INTEGER,
	revision         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_qualification_model_status
	ON qualification_records(model_id, status);
`

const recordColumns = `id, model_id, status, tier, discount_percent, declared, environment,
	measured, within_tolerance, deltas, reasoning, submitted_at, verified_at, valid_until, revision`

// SQLiteStore persists qualification records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// The verification lease is an engine-level mutual exclusion, not a
	// database fact; it is held in process like the rest of the engine's
	// evaluation state.
	mu       sync.Mutex
	inflight map[string]string // model_id -> record id
}

var _ qualify.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		inflight: make(map[string]string),
	}, nil
}

// Create inserts a new pending record.
func (s *SQLiteStore) Create(rec *qualify.Record) error {
	declared, err := json.Marshal(rec.Declared)
	if err != nil {
		return fmt.Errorf("failed to encode declared metrics: %w", err)
	}
	environment, err := json.Marshal(rec.Environment)
	if err != nil {
		return fmt.Errorf("failed to encode test environment: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO qualification_records
			(id, model_id, status, declared, environment, submitted_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ModelID, string(rec.Status), string(declared), string(environment),
		rec.SubmittedAt.UnixNano(), rec.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to insert qualification %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a snapshot of the record.
func (s *SQLiteStore) Get(id string) (*qualify.Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM qualification_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &qualify.NotFoundError{ID: id}
	}
	return rec, err
}

// List returns matching records, newest submission first.
func (s *SQLiteStore) List(f qualify.ListFilter) ([]*qualify.Record, int, error) {
	where := `WHERE 1=1`
	args := []any{}
	if f.ModelID != "" {
		where += ` AND model_id = ?`
		args = append(args, f.ModelID)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM qualification_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count qualifications: %w", err)
	}

	query := `SELECT ` + recordColumns + ` FROM qualification_records ` + where +
		` ORDER BY submitted_at DESC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += fmt.Sprintf(` LIMIT -1 OFFSET %d`, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list qualifications: %w", err)
	}
	defer func() {
		// ignored on purpose
		_ = rows.Close()
	}()

	var out []*qualify.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ActiveQualified returns the model's unexpired qualified record, if any.
func (s *SQLiteStore) ActiveQualified(modelID string, now time.Time) (*qualify.Record, error) {
	row := s.db.QueryRow(`
		SELECT `+recordColumns+` FROM qualification_records
		WHERE model_id = ? AND status = ? AND (valid_until IS NULL OR valid_until >= ?)
		ORDER BY submitted_at DESC LIMIT 1`,
		modelID, string(qualify.StatusQualified), now.UnixNano(),
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// BeginVerification takes the model's verification lease and moves the
// record to verification_in_progress.
func (s *SQLiteStore) BeginVerification(id string, now time.Time) (*qualify.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if holder, busy := s.inflight[rec.ModelID]; busy {
		return nil, &qualify.ConflictError{ModelID: rec.ModelID, RecordID: holder}
	}

	switch rec.Status {
	case qualify.StatusPending:
		res, err := s.db.Exec(`
			UPDATE qualification_records
			SET status = ?, revision = revision + 1
			WHERE id = ? AND status = ?`,
			string(qualify.StatusInProgress), id, string(qualify.StatusPending),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to begin verification for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, &qualify.InvalidTransitionError{ID: id, From: rec.Status, To: qualify.StatusInProgress}
		}
	case qualify.StatusInProgress:
		// Retry of a previously insufficient attempt.
	default:
		return nil, &qualify.InvalidTransitionError{ID: id, From: rec.Status, To: qualify.StatusInProgress}
	}

	s.inflight[rec.ModelID] = id
	return s.Get(id)
}

// ReleaseVerification drops the lease without a state change.
func (s *SQLiteStore) ReleaseVerification(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if s.inflight[rec.ModelID] == id {
		delete(s.inflight, rec.ModelID)
	}
	return nil
}

// Commit applies the terminal outcome in one transaction, superseding any
// prior active grant for the model.
func (s *SQLiteStore) Commit(id string, out qualify.Outcome) (*qualify.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != qualify.StatusInProgress {
		return nil, &qualify.InvalidTransitionError{ID: id, From: rec.Status, To: out.Status}
	}

	measured, err := json.Marshal(out.Measured)
	if err != nil {
		return nil, fmt.Errorf("failed to encode measured metrics: %w", err)
	}
	deltas, err := json.Marshal(out.Deltas)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deltas: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback()
	}()

	if out.Status == qualify.StatusQualified {
		_, err = tx.Exec(`
			UPDATE qualification_records
			SET valid_until = ?, revision = revision + 1
			WHERE model_id = ? AND id != ? AND status = ?
			  AND (valid_until IS NULL OR valid_until > ?)`,
			out.VerifiedAt.UnixNano(), rec.ModelID, id,
			string(qualify.StatusQualified), out.VerifiedAt.UnixNano(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to supersede prior grant: %w", err)
		}
	}

	var validUntil any
	if out.ValidUntil != nil {
		validUntil = out.ValidUntil.UnixNano()
	}

	_, err = tx.Exec(`
		UPDATE qualification_records
		SET status = ?, tier = ?, discount_percent = ?, measured = ?,
			within_tolerance = ?, deltas = ?, reasoning = ?,
			verified_at = ?, valid_until = ?, revision = revision + 1
		WHERE id = ?`,
		string(out.Status), string(out.Tier), out.DiscountPercent, string(measured),
		out.WithinTolerance, string(deltas), out.Reasoning,
		out.VerifiedAt.UnixNano(), validUntil, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to commit verification for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.inflight[rec.ModelID] == id {
		delete(s.inflight, rec.ModelID)
	}
	return s.Get(id)
}

// MarkExpired flips a lapsed grant to expired.
func (s *SQLiteStore) MarkExpired(id string, now time.Time) (bool, *qualify.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE qualification_records
		SET status = ?, revision = revision + 1
		WHERE id = ? AND status = ? AND valid_until IS NOT NULL AND valid_until < ?`,
		string(qualify.StatusExpired), id, string(qualify.StatusQualified), now.UnixNano(),
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to expire qualification %s: %w", id, err)
	}

	rec, err := s.Get(id)
	if err != nil {
		return false, nil, err
	}
	n, _ := res.RowsAffected()
	return n > 0, rec, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*qualify.Record, error) {
	var (
		rec          qualify.Record
		status       string
		tierStr      string
		declared     string
		environment  string
		measured     sql.NullString
		withinTol    sql.NullBool
		deltas       sql.NullString
		submittedAt  int64
		verifiedAt   sql.NullInt64
		validUntil   sql.NullInt64
	)

	err := row.Scan(
		&rec.ID, &rec.ModelID, &status, &tierStr, &rec.DiscountPercent,
		&declared, &environment, &measured, &withinTol, &deltas,
		&rec.Reasoning, &submittedAt, &verifiedAt, &validUntil, &rec.Revision,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = qualify.Status(status)
	rec.Tier = tier.Tier(tierStr)
	rec.SubmittedAt = time.Unix(0, submittedAt)

	if err := json.Unmarshal([]byte(declared), &rec.Declared); err != nil {
		return nil, fmt.Errorf("failed to decode declared metrics for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(environment), &rec.Environment); err != nil {
		return nil, fmt.Errorf("failed to decode test environment for %s: %w", rec.ID, err)
	}
	if measured.Valid {
		var m stats.RunMetrics
		if err := json.Unmarshal([]byte(measured.String), &m); err != nil {
			return nil, fmt.Errorf("failed to decode measured metrics for %s: %w", rec.ID, err)
		}
		rec.Measured = &m
	}
	if withinTol.Valid {
		wt := withinTol.Bool
		rec.WithinTolerance = &wt
	}
	if deltas.Valid && deltas.String != "" && deltas.String != "null" {
		if err := json.Unmarshal([]byte(deltas.String), &rec.Deltas); err != nil {
			return nil, fmt.Errorf("failed to decode deltas for %s: %w", rec.ID, err)
		}
	}
	if verifiedAt.Valid {
		t := time.Unix(0, verifiedAt.Int64)
		rec.VerifiedAt = &t
	}
	if validUntil.Valid {
		t := time.Unix(0, validUntil.Int64)
		rec.ValidUntil = &t
	}

	return &rec, nil
}
