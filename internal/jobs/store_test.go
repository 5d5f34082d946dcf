package jobs

import (
	"context"
	"math/rand"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/storage"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore_CreateSQL(t *testing.T) {
	s, mock := newMockStore(t)
	ts := fixedNow.Format(storage.TimeLayout)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO jobs (id, status, result, error, created_at, updated_at) VALUES (?, ?, NULL, NULL, ?, ?)`)).
		WithArgs("job-1", "queued", ts, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := s.Create(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, job.Status)
	require.True(t, job.CreatedAt.Equal(fixedNow))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateGuardsPreviousStatus(t *testing.T) {
	s, mock := newMockStore(t)
	ts := fixedNow.Format(storage.TimeLayout)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE jobs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?)`)).
		WithArgs("finished", "messages sent to 1 contact(s)", nil, ts, "job-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Update(context.Background(), "job-1", StatusFinished, "messages sent to 1 contact(s)", ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateRejectedTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM jobs WHERE id = ?`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("finished"))

	err := s.Update(context.Background(), "job-1", StatusRunning, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorContains(t, err, "finished -> running")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateUnknownJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM jobs WHERE id = ?`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := s.Update(context.Background(), "missing", StatusRunning, "", "")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateToQueuedNeverQueries(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.Update(context.Background(), "job-1", StatusQueued, "", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, status, result, error, created_at, updated_at FROM jobs WHERE id = ?`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "result", "error", "created_at", "updated_at"}))

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SQLiteLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "job-1")
	require.NoError(t, err)

	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, job.Status)
	require.Nil(t, job.Result)
	require.Nil(t, job.Error)
	require.True(t, job.CreatedAt.Equal(created.CreatedAt))

	require.NoError(t, s.Update(ctx, "job-1", StatusRunning, "", ""))
	require.NoError(t, s.Update(ctx, "job-1", StatusFailed, "", "session creation timed out"))

	job, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Equal(t, "session creation timed out", *job.Error)
	require.False(t, job.UpdatedAt.Before(job.CreatedAt))

	require.ErrorIs(t, s.Update(ctx, "job-1", StatusRunning, "", ""), ErrInvalidTransition)
	require.ErrorIs(t, s.Update(ctx, "job-1", StatusFinished, "late", ""), ErrInvalidTransition)

	_, err = s.Create(ctx, "job-1")
	require.Error(t, err, "ids are unique")
}

func rank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	}
	return 2
}

// Random writers race on a handful of jobs while a reader watches. Whatever
// the interleaving, a job's observed status never moves backwards and only
// the allowed transitions ever succeed.
func TestStore_TransitionsUnderRandomInterleavings(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := s.Create(ctx, id)
		require.NoError(t, err)
	}

	type success struct {
		id string
		to Status
	}
	var (
		mu        sync.Mutex
		successes []success
		wg        sync.WaitGroup
	)
	targets := []Status{StatusQueued, StatusRunning, StatusFinished, StatusFailed}

	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				id := ids[rng.Intn(len(ids))]
				to := targets[rng.Intn(len(targets))]
				if err := s.Update(ctx, id, to, "", ""); err == nil {
					mu.Lock()
					successes = append(successes, success{id, to})
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition)
				}
			}
		}(int64(w) + 1)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		last := map[string]int{}
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range ids {
				job, err := s.Get(ctx, id)
				if err != nil {
					continue
				}
				r := rank(job.Status)
				if r < last[id] {
					t.Errorf("job %s went backwards to %s", id, job.Status)
				}
				last[id] = r
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone

	counts := map[string]map[Status]int{}
	for _, sc := range successes {
		if counts[sc.id] == nil {
			counts[sc.id] = map[Status]int{}
		}
		counts[sc.id][sc.to]++
	}
	for id, c := range counts {
		require.Zero(t, c[StatusQueued], id)
		require.LessOrEqual(t, c[StatusRunning], 1, id)
		terminal := c[StatusFinished] + c[StatusFailed]
		require.LessOrEqual(t, terminal, 1, id)
		if terminal == 1 {
			require.Equal(t, 1, c[StatusRunning], "job %s finished without running", id)
		}
	}
}
