package profiles

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/storage"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestNormalize(t *testing.T) {
	long := func(n int) string { return strings.Repeat("x", n) }

	tests := []struct {
		name  string
		in    Input
		field string
	}{
		{"ok", Input{Name: "Team", Contacts: []string{"A"}, Message: "hi"}, ""},
		{"name required", Input{Name: "  ", Contacts: []string{"A"}, Message: "hi"}, "name"},
		{"name too long", Input{Name: long(101), Contacts: []string{"A"}, Message: "hi"}, "name"},
		{"name at limit", Input{Name: long(100), Contacts: []string{"A"}, Message: "hi"}, ""},
		{"no contacts", Input{Name: "n", Contacts: []string{" "}, Message: "hi"}, "contacts"},
		{"too many contacts", Input{Name: "n", Contacts: []string{"A", "B", "C", "D"}, Message: "hi"}, "contacts"},
		{"contact too long", Input{Name: "n", Contacts: []string{long(51)}, Message: "hi"}, "contacts"},
		{"message required", Input{Name: "n", Contacts: []string{"A"}}, "message"},
		{"message too long", Input{Name: "n", Contacts: []string{"A"}, Message: long(1001)}, "message"},
		{"multibyte counted as runes", Input{Name: strings.Repeat("é", 100), Contacts: []string{"A"}, Message: "hi"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Normalize()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), err)
			require.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCRUD(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	p, err := s.Create(ctx, Input{Name: " Family ", Contacts: []string{"Mom", " Dad "}, Message: "Dinner at 8"})
	require.NoError(t, err)
	require.Equal(t, "Family", p.Name)
	require.Equal(t, []string{"Mom", "Dad"}, p.Contacts)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Contacts, got.Contacts)
	require.True(t, got.CreatedAt.Equal(p.CreatedAt))

	s.now = func() time.Time { return p.CreatedAt.Add(time.Hour) }
	updated, err := s.Update(ctx, p.ID, Input{Name: "Family", Contacts: []string{"Mom"}, Message: "Dinner at 9"})
	require.NoError(t, err)
	require.Equal(t, "Dinner at 9", updated.Message)
	require.Equal(t, []string{"Mom"}, updated.Contacts)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	second, err := s.Create(ctx, Input{Name: "Work", Contacts: []string{"Boss"}, Message: "Late"})
	require.NoError(t, err)

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)

	require.NoError(t, s.Delete(ctx, p.ID))
	require.ErrorIs(t, s.Delete(ctx, p.ID), ErrNotFound)
	_, err = s.Get(ctx, p.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, p.ID, Input{Name: "x", Contacts: []string{"y"}, Message: "z"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsInvalidWithoutTouchingDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db)
	_, err = s.Create(context.Background(), Input{Name: "n"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db)
	s.newID = func() string { return "p-1" }
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO profiles (id, name, contacts, message, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)).
		WithArgs("p-1", "Team", `["A","B"]`, "hi", "2026-01-02T03:04:05.000000000Z", "2026-01-02T03:04:05.000000000Z").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = s.Create(context.Background(), Input{Name: "Team", Contacts: []string{"A", "B"}, Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
