package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunRecord is one row of dispatched-run history
type RunRecord struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	UserID       string     `json:"user_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Succeeded    *bool      `json:"succeeded,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// RecordRun appends a run history row at dispatch time
func (s *SQLiteStore) RecordRun(ctx context.Context, rec *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (id, project_id, user_id, scheduled_for, dispatched_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.UserID, rec.ScheduledFor.UTC(), rec.DispatchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// CompleteRun marks a run history row with its outcome
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, succeeded bool, errMsg string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_history SET
			completed_at = ?,
			succeeded = ?,
			error = ?
		WHERE id = ?`,
		completedAt.UTC(), succeeded,
		sql.NullString{String: errMsg, Valid: errMsg != ""},
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// RunsForProject returns the most recent runs for a project, newest first
func (s *SQLiteStore) RunsForProject(ctx context.Context, projectID string, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, scheduled_for, dispatched_at, completed_at, succeeded, error
		FROM run_history
		WHERE project_id = ?
		ORDER BY dispatched_at DESC
		LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var completedAt sql.NullTime
		var succeeded sql.NullBool
		var errMsg sql.NullString

		err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.UserID,
			&rec.ScheduledFor, &rec.DispatchedAt, &completedAt, &succeeded, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		if succeeded.Valid {
			b := succeeded.Bool
			rec.Succeeded = &b
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// LatestRunForProject returns the newest run record, or nil if none exist
func (s *SQLiteStore) LatestRunForProject(ctx context.Context, projectID string) (*RunRecord, error) {
	records, err := s.RunsForProject(ctx, projectID, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// DeleteRunsBefore deletes run history older than the given time
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM run_history WHERE dispatched_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete run history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected > 0 {
		s.logger.Info("Deleted old run history records",
			zap.Time("before", before),
			zap.Int64("deleted", affected))
	}
	return nil
}
