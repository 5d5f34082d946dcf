// Package profiles stores named message templates: a name, a few contacts and
// the message to send them.
package profiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/storage"
)

const (
	MaxNameLen    = 100
	MaxContacts   = 3
	MaxContactLen = 50
	MaxMessageLen = 1000
)

var ErrNotFound = errors.New("profile not found")

// ValidationError describes the first invalid field of a profile.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contacts  []string  `json:"contacts"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the editable part of a profile.
type Input struct {
	Name     string   `json:"name"`
	Contacts []string `json:"contacts"`
	Message  string   `json:"message"`
}

// Normalize trims fields and checks the limits.
func (in Input) Normalize() (Input, error) {
	out := Input{
		Name:    strings.TrimSpace(in.Name),
		Message: strings.TrimSpace(in.Message),
	}
	if out.Name == "" {
		return out, &ValidationError{"name", "is required"}
	}
	if utf8.RuneCountInString(out.Name) > MaxNameLen {
		return out, &ValidationError{"name", fmt.Sprintf("must be at most %d characters", MaxNameLen)}
	}

	for _, c := range in.Contacts {
		if c = strings.TrimSpace(c); c != "" {
			out.Contacts = append(out.Contacts, c)
		}
	}
	if len(out.Contacts) == 0 {
		return out, &ValidationError{"contacts", "at least one contact is required"}
	}
	if len(out.Contacts) > MaxContacts {
		return out, &ValidationError{"contacts", fmt.Sprintf("at most %d contacts are allowed", MaxContacts)}
	}
	for _, c := range out.Contacts {
		if utf8.RuneCountInString(c) > MaxContactLen {
			return out, &ValidationError{"contacts", fmt.Sprintf("%q is longer than %d characters", c, MaxContactLen)}
		}
	}

	if out.Message == "" {
		return out, &ValidationError{"message", "is required"}
	}
	if utf8.RuneCountInString(out.Message) > MaxMessageLen {
		return out, &ValidationError{"message", fmt.Sprintf("must be at most %d characters", MaxMessageLen)}
	}
	return out, nil
}

type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now, newID: uuid.NewString}
}

const schema = `CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	contacts TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate profiles: %w", err)
	}
	return nil
}

const columns = `id, name, contacts, message, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*Profile, error) {
	var (
		p                Profile
		contacts         string
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.Name, &contacts, &p.Message, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contacts), &p.Contacts); err != nil {
		return nil, fmt.Errorf("profile %s: contacts: %w", p.ID, err)
	}
	var err error
	if p.CreatedAt, err = time.Parse(storage.TimeLayout, created); err != nil {
		return nil, fmt.Errorf("profile %s: created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = time.Parse(storage.TimeLayout, updated); err != nil {
		return nil, fmt.Errorf("profile %s: updated_at: %w", p.ID, err)
	}
	return &p, nil
}

// List returns every profile, newest first.
func (s *Store) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM profiles ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := []*Profile{}
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list profiles: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	p, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) Create(ctx context.Context, in Input) (*Profile, error) {
	in, err := in.Normalize()
	if err != nil {
		return nil, err
	}
	contacts, err := json.Marshal(in.Contacts)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ts := now.Format(storage.TimeLayout)
	p := &Profile{ID: s.newID(), Name: in.Name, Contacts: in.Contacts, Message: in.Message, CreatedAt: now, UpdatedAt: now}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (`+columns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(contacts), p.Message, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

func (s *Store) Update(ctx context.Context, id string, in Input) (*Profile, error) {
	in, err := in.Normalize()
	if err != nil {
		return nil, err
	}
	contacts, err := json.Marshal(in.Contacts)
	if err != nil {
		return nil, err
	}

	ts := s.now().UTC().Format(storage.TimeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET name = ?, contacts = ?, message = ?, updated_at = ? WHERE id = ?`,
		in.Name, string(contacts), in.Message, ts, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("update profile %s: %w", id, err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
