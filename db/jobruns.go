package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/onnwee/herald/poller"
)

// JobRunRow is a recorded run as listed on the status endpoint.
type JobRunRow struct {
	Job        string          `json:"job"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	OK         bool            `json:"ok"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RecordJobRun appends one run to the job log.
func (s *Store) RecordJobRun(ctx context.Context, job string, run poller.JobRun) error {
	var meta sql.NullString
	if len(run.Meta) > 0 {
		b, err := json.Marshal(run.Meta)
		if err != nil {
			return err
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO job_runs (job, started_at, finished_at, ok, meta, error) VALUES ($1,$2,$3,$4,$5,$6)`,
		job, run.StartedAt, run.FinishedAt, run.OK, meta, sql.NullString{String: run.Error, Valid: run.Error != ""})
	return err
}

// LatestJobRuns returns the most recent run of every job.
func (s *Store) LatestJobRuns(ctx context.Context) ([]JobRunRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT ON (job) job, started_at, finished_at, ok, meta, error
		FROM job_runs ORDER BY job, started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRunRow
	for rows.Next() {
		var (
			r    JobRunRow
			meta []byte
			msg  sql.NullString
		)
		if err := rows.Scan(&r.Job, &r.StartedAt, &r.FinishedAt, &r.OK, &meta, &msg); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			r.Meta = json.RawMessage(meta)
		}
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
