package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and aligned frames.
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
		`CREATE TABLE IF NOT EXISTS frame_alignments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            name TEXT NOT NULL,
            reference TEXT NOT NULL,
            status TEXT NOT NULL,
            processor TEXT,
            ref_keypoints INTEGER,
            keypoints INTEGER,
            correspondences INTEGER,
            inliers INTEGER,
            homography BLOB,
            inlier_set BLOB,
            output_path TEXT,
            error_message TEXT,
            elapsed_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(job_id, name)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_alignments_job ON frame_alignments(job_id);`,
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

// FrameRecord is the audit row of one image in an alignment job.
type FrameRecord struct {
	JobID           string
	Name            string
	Reference       string
	Status          string // aligned, reference, failed
	Processor       string
	RefKeypoints    int
	Keypoints       int
	Correspondences int
	Inliers         int
	Homography      *[9]float64
	InlierSet       *roaring.Bitmap
	OutputPath      string
	Error           string
	Elapsed         time.Duration
	CreatedAt       time.Time
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
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var started, completed sql.NullTime
	var input, output, options, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
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

// Job returns a single job record.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id)
	return scanJob(row)
}

// RecordFrame upserts the outcome of one image.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	var hBlob, inlierBlob []byte
	var err error
	if rec.Homography != nil {
		if hBlob, err = cbor.Marshal(rec.Homography); err != nil {
			return fmt.Errorf("marshal homography: %w", err)
		}
	}
	if rec.InlierSet != nil {
		if inlierBlob, err = rec.InlierSet.ToBytes(); err != nil {
			return fmt.Errorf("marshal inliers: %w", err)
		}
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO frame_alignments (job_id, name, reference, status, processor, ref_keypoints, keypoints, correspondences, inliers, homography, inlier_set, output_path, error_message, elapsed_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.Name, rec.Reference, rec.Status, rec.Processor, rec.RefKeypoints, rec.Keypoints, rec.Correspondences, rec.Inliers, hBlob, inlierBlob, rec.OutputPath, rec.Error, rec.Elapsed.Milliseconds())
	return err
}

// JobFrames returns the frames of a job ordered by name.
func (s *Store) JobFrames(jobID string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, name, reference, status, processor, ref_keypoints, keypoints, correspondences, inliers, homography, inlier_set, output_path, error_message, elapsed_ms, created_at FROM frame_alignments WHERE job_id=? ORDER BY name;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var (
			rec                   FrameRecord
			processor, out, errMs sql.NullString
			hBlob, inlierBlob     []byte
			elapsed               int64
		)
		if err := rows.Scan(&rec.JobID, &rec.Name, &rec.Reference, &rec.Status, &processor, &rec.RefKeypoints, &rec.Keypoints, &rec.Correspondences, &rec.Inliers, &hBlob, &inlierBlob, &out, &errMs, &elapsed, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Processor = processor.String
		rec.OutputPath = out.String
		rec.Error = errMs.String
		rec.Elapsed = time.Duration(elapsed) * time.Millisecond
		if len(hBlob) > 0 {
			var m [9]float64
			if err := cbor.Unmarshal(hBlob, &m); err != nil {
				return nil, fmt.Errorf("unmarshal homography: %w", err)
			}
			rec.Homography = &m
		}
		if len(inlierBlob) > 0 {
			bm := roaring.New()
			if err := bm.UnmarshalBinary(inlierBlob); err != nil {
				return nil, fmt.Errorf("unmarshal inliers: %w", err)
			}
			rec.InlierSet = bm
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
