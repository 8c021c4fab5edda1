package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/weft/pkg/models"
)

// timeFormat is the stored timestamp layout.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveManifest persists a run manifest and all of its unit results in one
// transaction. Saving twice for the same run ID replaces the prior rows.
func (db *DB) SaveManifest(m *models.RunManifest) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO runs (run_id, selection, target, dry_run, started_at, completed_at, success)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, string(m.Selection), m.Target, boolToInt(m.DryRun),
		formatTime(m.StartedAt), formatTime(m.CompletedAt), boolToInt(m.Success),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", m.RunID, err)
	}

	if _, err := tx.Exec("DELETE FROM unit_results WHERE run_id = ?", m.RunID); err != nil {
		return fmt.Errorf("clear unit results for %s: %w", m.RunID, err)
	}

	for _, r := range m.Results {
		_, err = tx.Exec(`
			INSERT INTO unit_results
				(run_id, unit_id, status, attempts, started_at, completed_at,
				 checksum, output, error, resolution, tokens_in, tokens_out, cost_usd, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.RunID, r.UnitID, string(r.Status), r.Attempts,
			formatTime(r.StartedAt), formatTime(r.CompletedAt),
			r.Checksum, r.Output, r.Error, r.Resolution,
			r.TokensIn, r.TokensOut, r.CostUSD, r.Latency.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert result %s/%s: %w", m.RunID, r.UnitID, err)
		}
	}

	return tx.Commit()
}

// GetManifest returns the manifest for a run ID, or nil if not found.
func (db *DB) GetManifest(runID string) (*models.RunManifest, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT run_id, selection, target, dry_run, started_at, completed_at, success
		FROM runs WHERE run_id = ?`, runID)

	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}

	if err := db.loadResults(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListManifests returns recent manifests, newest first by insertion
// order. Unit results are loaded for each. Ordering uses rowid rather
// than the started_at text, whose stripped fractional seconds do not
// sort lexicographically.
func (db *DB) ListManifests(limit int) ([]*models.RunManifest, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.Query(`
		SELECT run_id, selection, target, dry_run, started_at, completed_at, success
		FROM runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var manifests []*models.RunManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		manifests = append(manifests, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range manifests {
		if err := db.loadResults(m); err != nil {
			return nil, err
		}
	}
	return manifests, nil
}

// LatestResult returns the most recent successful or cached result for a
// unit across all runs, or nil if the unit never completed successfully.
// Cached rows carry the copied-forward output, so both statuses qualify.
func (db *DB) LatestResult(unitID string) (*models.UnitRunResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT unit_id, status, attempts, started_at, completed_at,
		       checksum, output, error, resolution, tokens_in, tokens_out, cost_usd, latency_ms
		FROM unit_results
		WHERE unit_id = ? AND status IN ('success', 'cached')
		ORDER BY rowid DESC LIMIT 1`, unitID)

	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest result for %s: %w", unitID, err)
	}
	return r, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanManifest(s scanner) (*models.RunManifest, error) {
	var m models.RunManifest
	var selection, startedAt string
	var target, completedAt sql.NullString
	var dryRun, success int

	if err := s.Scan(&m.RunID, &selection, &target, &dryRun, &startedAt, &completedAt, &success); err != nil {
		return nil, err
	}

	m.Selection = models.SelectionMode(selection)
	m.Target = target.String
	m.DryRun = dryRun != 0
	m.Success = success != 0
	m.StartedAt = parseTime(startedAt)
	m.CompletedAt = parseTime(completedAt.String)
	return &m, nil
}

func scanResult(s scanner) (*models.UnitRunResult, error) {
	var r models.UnitRunResult
	var status string
	var startedAt, completedAt, checksum, output, errMsg, resolution sql.NullString
	var latencyMS int64

	err := s.Scan(&r.UnitID, &status, &r.Attempts, &startedAt, &completedAt,
		&checksum, &output, &errMsg, &resolution, &r.TokensIn, &r.TokensOut, &r.CostUSD, &latencyMS)
	if err != nil {
		return nil, err
	}

	r.Status = models.RunStatus(status)
	r.StartedAt = parseTime(startedAt.String)
	r.CompletedAt = parseTime(completedAt.String)
	r.Checksum = checksum.String
	r.Output = output.String
	r.Error = errMsg.String
	r.Resolution = resolution.String
	r.Latency = time.Duration(latencyMS) * time.Millisecond
	return &r, nil
}

func (db *DB) loadResults(m *models.RunManifest) error {
	rows, err := db.conn.Query(`
		SELECT unit_id, status, attempts, started_at, completed_at,
		       checksum, output, error, resolution, tokens_in, tokens_out, cost_usd, latency_ms
		FROM unit_results WHERE run_id = ? ORDER BY rowid`, m.RunID)
	if err != nil {
		return fmt.Errorf("query results for %s: %w", m.RunID, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return fmt.Errorf("scan result: %w", err)
		}
		m.Results = append(m.Results, r)
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
