// Package store persists task snapshots. The default backend is an embedded
// SQLite database under the engine home; a PostgreSQL backend lives in the
// postgres subpackage for shared deployments.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/hongbietcode/ccengine/pkg/models"
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// Filter narrows a task listing.
type Filter struct {
	Status string
	Limit  int
}

// Store is the persistence contract the engine depends on. A snapshot is the
// task plus its full message history; SaveTask overwrites the previous
// snapshot atomically.
type Store interface {
	SaveTask(ctx context.Context, task *models.Task, messages []models.TaskMessage) error
	LoadTask(ctx context.Context, taskID string) (*models.Task, []models.TaskMessage, error)
	ListTasks(ctx context.Context, projectPath string, f Filter) ([]models.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	Close() error
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// snapshot is the persisted JSON document.
type snapshot struct {
	Task     *models.Task         `json:"task"`
	Messages []models.TaskMessage `json:"messages,omitempty"`
}

// Open opens the SQLite store under home, creating the directory and schema
// as needed.
func Open(home string) (Store, error) {
	dir := filepath.Join(home, "protected")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return OpenPath(filepath.Join(dir, "db.sqlite"))
}

// OpenPath opens the SQLite store at an explicit file path.
func OpenPath(path string) (Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; one connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &sqliteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) migrate(ctx context.Context) error {
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
		if _, err := s.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (s *sqliteStore) SaveTask(ctx context.Context, task *models.Task, messages []models.TaskMessage) error {
	raw, err := json.Marshal(snapshot{Task: task, Messages: messages})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, project_path, status, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			project_path = excluded.project_path,
			status       = excluded.status,
			updated_at   = excluded.updated_at,
			snapshot     = excluded.snapshot`,
		task.ID, task.ProjectPath, task.Status, task.UpdatedAt, raw)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *sqliteStore) LoadTask(ctx context.Context, taskID string) (*models.Task, []models.TaskMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM tasks WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return decodeSnapshot(raw, taskID)
}

func (s *sqliteStore) ListTasks(ctx context.Context, projectPath string, f Filter) ([]models.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	query := `SELECT snapshot FROM tasks`
	var args []any
	var where []string
	if projectPath != "" {
		where = append(where, `project_path = ?`)
		args = append(args, projectPath)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		task, _, err := decodeSnapshot(raw, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func decodeSnapshot(raw []byte, taskID string) (*models.Task, []models.TaskMessage, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot %s: %w", taskID, err)
	}
	if snap.Task == nil {
		return nil, nil, fmt.Errorf("snapshot %s has no task", taskID)
	}
	return snap.Task, snap.Messages, nil
}
