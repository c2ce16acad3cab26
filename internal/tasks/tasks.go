// Package tasks persists per-host, per-day units of agent work. A task's
// context holds an append-only history of prompt/response exchanges;
// tasks are created on first reference and never deleted here.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/rs/zerolog"
)

// ID builds the composite task key: host identity plus calendar day.
func ID(hostname string, day time.Time) string {
	return fmt.Sprintf("%s-%s", hostname, day.UTC().Format("2006-01-02"))
}

// DefaultID derives today's task ID for this host.
func DefaultID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	return ID(hostname, time.Now()), nil
}

// Store reads and writes tasks.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a task store.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// GetOrCreate fetches the task by ID, creating an active one with empty
// history on first reference.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*models.Task, error) {
	var raw []byte
	var task models.Task
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, context, status, created_at, last_updated
		FROM tasks WHERE id = $1`, id).
		Scan(&task.ID, &raw, &task.Status, &task.CreatedAt, &task.LastUpdated)
	if err == nil {
		if err := json.Unmarshal(raw, &task.Context); err != nil {
			return nil, fmt.Errorf("decode task context %q: %w", id, err)
		}
		s.log.Info().Str("task_id", id).Msg("resuming existing task")
		return &task, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}

	task = models.Task{
		ID:      id,
		Status:  "active",
		Context: models.TaskContext{History: []models.Exchange{}},
	}
	raw, err = json.Marshal(task.Context)
	if err != nil {
		return nil, fmt.Errorf("encode task context %q: %w", id, err)
	}
	if _, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO tasks (id, context, status) VALUES ($1, $2, $3)`,
		id, raw, task.Status); err != nil {
		return nil, fmt.Errorf("create task %q: %w", id, err)
	}
	s.log.Info().Str("task_id", id).Msg("created new task")
	return &task, nil
}

// Save writes the task's context back, stamping last_updated.
func (s *Store) Save(ctx context.Context, task *models.Task) error {
	raw, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("encode task context %q: %w", task.ID, err)
	}
	if _, err := s.db.Conn().ExecContext(ctx, `
		UPDATE tasks SET context = $1, last_updated = NOW() WHERE id = $2`,
		raw, task.ID); err != nil {
		return fmt.Errorf("update task %q: %w", task.ID, err)
	}
	return nil
}

// Append adds one exchange to the task's history in memory; the caller
// persists it with Save.
func Append(task *models.Task, prompt, response string) {
	task.Context.History = append(task.Context.History, models.Exchange{
		Prompt:   prompt,
		Response: response,
	})
}
