package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"meteorcal/internal/quality"
)

// Store wraps SQLite-backed persistence for jobs, run manifests and
// calibration results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_manifest (
            run_id TEXT NOT NULL,
            frame_path TEXT NOT NULL,
            stage TEXT NOT NULL,
            catalog_path TEXT,
            contrast REAL,
            processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (run_id, frame_path, stage)
        );`,
		`CREATE TABLE IF NOT EXISTS run_summaries (
            station TEXT NOT NULL,
            run_id TEXT NOT NULL,
            crpix1 REAL,
            std1 REAL,
            crpix2 REAL,
            std2 REAL,
            count INTEGER,
            summary_path TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (station, run_id)
        );`,
		`CREATE TABLE IF NOT EXISTS global_catalogs (
            station TEXT NOT NULL,
            catalog_path TEXT NOT NULL,
            state TEXT NOT NULL,
            iteration INTEGER,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (station, catalog_path)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_manifest_stage ON frame_manifest(stage);`,
		`CREATE INDEX IF NOT EXISTS idx_global_catalogs_state ON global_catalogs(station, state);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Manifest stages.
const (
	StageSelected = "selected"
	StageMedian   = "median"
	StageAccepted = "accepted"
	StageRejected = "rejected"
	StageFailed   = "failed"
)

// ManifestEntry records what happened to one frame of a run.
type ManifestEntry struct {
	RunID       string
	FramePath   string
	Stage       string
	CatalogPath string
	Contrast    float64
	ProcessedAt time.Time
}

// Catalog states in the global working set.
const (
	CatalogActive   = "active"
	CatalogRejected = "rejected"
)

// CatalogState records a catalog's standing in the last refinement.
type CatalogState struct {
	Station   string
	Path      string
	State     string
	Iteration int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrame upserts the manifest entry of a frame at a stage.
func (s *Store) RecordFrame(e ManifestEntry) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_manifest (run_id, frame_path, stage, catalog_path, contrast) VALUES (?, ?, ?, ?, ?);`,
		e.RunID, e.FramePath, e.Stage, e.CatalogPath, e.Contrast)
	return err
}

// ClearStage drops the manifest entries of a run at a stage, so a rerun
// starts from a clean slate.
func (s *Store) ClearStage(runID string, stages ...string) error {
	if s == nil {
		return nil
	}
	for _, st := range stages {
		if _, err := s.DB.Exec(`DELETE FROM frame_manifest WHERE run_id=? AND stage=?;`, runID, st); err != nil {
			return err
		}
	}
	return nil
}

// Manifest lists the frames of a run at a stage, ordered by path.
func (s *Store) Manifest(runID, stage string) ([]ManifestEntry, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, frame_path, stage, catalog_path, contrast, processed_at FROM frame_manifest WHERE run_id=? AND stage=? ORDER BY frame_path;`, runID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		var catalog sql.NullString
		var contrast sql.NullFloat64
		if err := rows.Scan(&e.RunID, &e.FramePath, &e.Stage, &catalog, &contrast, &e.ProcessedAt); err != nil {
			return nil, err
		}
		e.CatalogPath = catalog.String
		e.Contrast = contrast.Float64
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcceptedCatalogs lists the accepted frame catalogs of every run whose
// id starts with prefix.
func (s *Store) AcceptedCatalogs(prefix string) ([]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT catalog_path FROM frame_manifest WHERE stage=? AND run_id LIKE ? AND catalog_path <> '' ORDER BY catalog_path;`,
		StageAccepted, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordSummary stores the reference pixel statistics of a run.
func (s *Store) RecordSummary(station string, sum quality.Summary, path string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO run_summaries (station, run_id, crpix1, std1, crpix2, std2, count, summary_path) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		station, sum.Run, sum.CRPIX1, sum.Std1, sum.CRPIX2, sum.Std2, sum.Count, path)
	return err
}

// Summaries returns the stored run summaries of a station, oldest run first.
func (s *Store) Summaries(station string) ([]quality.Summary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, crpix1, std1, crpix2, std2, count FROM run_summaries WHERE station=? ORDER BY run_id;`, station)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quality.Summary
	for rows.Next() {
		var sum quality.Summary
		if err := rows.Scan(&sum.Run, &sum.CRPIX1, &sum.Std1, &sum.CRPIX2, &sum.Std2, &sum.Count); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RecordCatalogStates replaces the global working set of a station.
func (s *Store) RecordCatalogStates(station string, states []CatalogState) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM global_catalogs WHERE station=?;`, station); err != nil {
		tx.Rollback()
		return err
	}
	for _, st := range states {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO global_catalogs (station, catalog_path, state, iteration) VALUES (?, ?, ?, ?);`,
			station, st.Path, st.State, st.Iteration); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CatalogStates lists the global working set of a station.
func (s *Store) CatalogStates(station string) ([]CatalogState, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT station, catalog_path, state, iteration FROM global_catalogs WHERE station=? ORDER BY catalog_path;`, station)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CatalogState
	for rows.Next() {
		var st CatalogState
		var iter sql.NullInt64
		if err := rows.Scan(&st.Station, &st.Path, &st.State, &iter); err != nil {
			return nil, err
		}
		st.Iteration = int(iter.Int64)
		out = append(out, st)
	}
	return out, rows.Err()
}
