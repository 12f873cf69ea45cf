// Package postgres implements the task store on PostgreSQL for deployments
// where several machines share one engine database.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hongbietcode/ccengine/internal/store"
	"github.com/hongbietcode/ccengine/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type snapshot struct {
	Task     *models.Task         `json:"task"`
	Messages []models.TaskMessage `json:"messages,omitempty"`
}

type pgStore struct {
	pool *pgxpool.Pool
}

// Open connects to url and ensures the schema exists.
func Open(ctx context.Context, url string) (store.Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &pgStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (s *pgStore) SaveTask(ctx context.Context, task *models.Task, messages []models.TaskMessage) error {
	raw, err := json.Marshal(snapshot{Task: task, Messages: messages})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, project_path, status, updated_at, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET
			project_path = EXCLUDED.project_path,
			status       = EXCLUDED.status,
			updated_at   = EXCLUDED.updated_at,
			snapshot     = EXCLUDED.snapshot`,
		task.ID, task.ProjectPath, task.Status, task.UpdatedAt, raw)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *pgStore) LoadTask(ctx context.Context, taskID string) (*models.Task, []models.TaskMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM tasks WHERE task_id = $1`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("task %s: %w", taskID, store.ErrTaskNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot %s: %w", taskID, err)
	}
	if snap.Task == nil {
		return nil, nil, fmt.Errorf("snapshot %s has no task", taskID)
	}
	return snap.Task, snap.Messages, nil
}

func (s *pgStore) ListTasks(ctx context.Context, projectPath string, f store.Filter) ([]models.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	query := `SELECT snapshot FROM tasks`
	var args []any
	var where []string
	if projectPath != "" {
		args = append(args, projectPath)
		where = append(where, fmt.Sprintf(`project_path = $%d`, len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf(`status = $%d`, len(args)))
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		if snap.Task != nil {
			out = append(out, *snap.Task)
		}
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrTaskNotFound)
	}
	return nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
