package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/storage"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Job is one persisted send request.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Result    *string   `json:"result"`
	Error     *string   `json:"error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps jobs in a SQL table. Rows are never deleted.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const schema = `CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(storage.TimeLayout)
}

// Create inserts a queued job.
func (s *Store) Create(ctx context.Context, id string) (*Job, error) {
	ts := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, result, error, created_at, updated_at) VALUES (?, ?, NULL, NULL, ?, ?)`,
		id, StatusQueued, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	at, _ := time.Parse(storage.TimeLayout, ts)
	return &Job{ID: id, Status: StatusQueued, CreatedAt: at, UpdatedAt: at}, nil
}

// Update moves a job to status, overwriting result and error. Empty strings
// are stored as NULL. The row only changes if the move is allowed from its
// current status.
func (s *Store) Update(ctx context.Context, id string, status Status, result, errText string) error {
	from := predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, status)
	}

	args := []interface{}{status, nullable(result), nullable(errText), s.timestamp(), id}
	for _, f := range from {
		args = append(args, f)
	}
	query := `UPDATE jobs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var current Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var (
		j                Job
		result, errText  sql.NullString
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, result, error, created_at, updated_at FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Status, &result, &errText, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	if result.Valid {
		j.Result = &result.String
	}
	if errText.Valid {
		j.Error = &errText.String
	}
	if j.CreatedAt, err = time.Parse(storage.TimeLayout, created); err != nil {
		return nil, fmt.Errorf("get job %s: created_at: %w", id, err)
	}
	if j.UpdatedAt, err = time.Parse(storage.TimeLayout, updated); err != nil {
		return nil, fmt.Errorf("get job %s: updated_at: %w", id, err)
	}
	return &j, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
