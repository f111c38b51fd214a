package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
)

// SQLiteStore persists projects, the plan catalog, and run history in SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		logger: logger.Named("store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			frequency TEXT NOT NULL,
			delivery_time TEXT NOT NULL,
			timezone TEXT NOT NULL,
			day_of_week INTEGER NOT NULL DEFAULT 0,
			day_of_month INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			next_run_at DATETIME NOT NULL,
			last_run_at DATETIME,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(user_id, title)
		);
		CREATE INDEX IF NOT EXISTS idx_projects_user_id ON projects(user_id);
		CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
		CREATE INDEX IF NOT EXISTS idx_projects_next_run_at ON projects(next_run_at);

		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			max_daily_runs INTEGER NOT NULL,
			subscription_ref TEXT,
			is_default_free_plan INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS run_history (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			scheduled_for DATETIME NOT NULL,
			dispatched_at DATETIME NOT NULL,
			completed_at DATETIME,
			succeeded INTEGER,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_project_id ON run_history(project_id);
		CREATE INDEX IF NOT EXISTS idx_run_history_dispatched_at ON run_history(dispatched_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateProject inserts a new project
func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (
			id, user_id, title, frequency, delivery_time, timezone,
			day_of_week, day_of_month, status, next_run_at, revision,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Title, p.Frequency, p.DeliveryTime, p.Timezone,
		p.DayOfWeek, p.DayOfMonth, p.Status, p.NextRunAt.UTC(), p.Revision,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateTitle
		}
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// UpdateProject writes a project conditionally on the revision it was read
// at. The stored revision is bumped on success; a lost race returns
// ErrRevisionConflict.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			title = ?,
			frequency = ?,
			delivery_time = ?,
			timezone = ?,
			day_of_week = ?,
			day_of_month = ?,
			status = ?,
			next_run_at = ?,
			last_run_at = ?,
			revision = revision + 1,
			updated_at = ?
		WHERE id = ? AND revision = ?`,
		p.Title, p.Frequency, p.DeliveryTime, p.Timezone,
		p.DayOfWeek, p.DayOfMonth, p.Status, p.NextRunAt.UTC(),
		nullTime(p.LastRunAt), p.UpdatedAt,
		p.ID, p.Revision,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateTitle
		}
		return fmt.Errorf("failed to update project: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrRevisionConflict
	}

	p.Revision++
	return nil
}

// GetProjectByTitle looks up a project by its title within a user's set
func (s *SQLiteStore) GetProjectByTitle(ctx context.Context, userID, title string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE user_id = ? AND title = ?`, userID, title)

	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetProjectByID looks up a project by its primary key
func (s *SQLiteStore) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE id = ?`, id)

	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetProjectsForUser returns the user's projects, optionally filtered to the
// given statuses, ordered by creation time.
func (s *SQLiteStore) GetProjectsForUser(ctx context.Context, userID string, statuses ...model.ProjectStatus) ([]model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = ?`
	args := []interface{}{userID}

	if len(statuses) > 0 {
		query += " AND status IN (?" + repeatPlaceholder(len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return projects, nil
}

// DueProjects returns active projects whose next run is at or before now
func (s *SQLiteStore) DueProjects(ctx context.Context, now time.Time, limit int) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, model.StatusActive, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return projects, nil
}

const projectColumns = `id, user_id, title, frequency, delivery_time, timezone,
	day_of_week, day_of_month, status, next_run_at, last_run_at, revision,
	created_at, updated_at`

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*model.Project, error) {
	var p model.Project
	var lastRunAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.UserID, &p.Title, &p.Frequency, &p.DeliveryTime, &p.Timezone,
		&p.DayOfWeek, &p.DayOfMonth, &p.Status, &p.NextRunAt, &lastRunAt,
		&p.Revision, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	if lastRunAt.Valid {
		t := lastRunAt.Time
		p.LastRunAt = &t
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// Plans returns the full plan catalog
func (s *SQLiteStore) Plans(ctx context.Context) ([]model.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, max_daily_runs, subscription_ref, is_default_free_plan, created_at
		FROM plans ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		var plan model.Plan
		var ref sql.NullString
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.MaxDailyRuns, &ref, &plan.IsDefaultFreePlan, &plan.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if ref.Valid {
			plan.SubscriptionRef = ref.String
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return plans, nil
}

// CreatePlan inserts a plan into the catalog
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *model.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, max_daily_runs, subscription_ref, is_default_free_plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Name, plan.MaxDailyRuns, plan.SubscriptionRef,
		plan.IsDefaultFreePlan, plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

// SeedDefaultPlans inserts the given plans when the catalog is empty. Used
// at startup so a fresh database always has a default free plan to resolve.
func (s *SQLiteStore) SeedDefaultPlans(ctx context.Context, plans []model.Plan) error {
	existing, err := s.Plans(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for i := range plans {
		if err := s.CreatePlan(ctx, &plans[i]); err != nil {
			return err
		}
	}

	s.logger.Info("Seeded plan catalog", zap.Int("plans", len(plans)))
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
