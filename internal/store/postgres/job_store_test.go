package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var jobRowColumns = []string{
	"id", "user_id", "job_type", "status", "progress", "source_type", "source_url", "url_pattern",
	"name", "parent_job_id", "error", "created_at", "started_at", "completed_at", "updated_at",
	"total_pages", "pages_completed", "pages_failed", "minio_upload_path", "minio_result_path",
	"crawler_config", "crawler_schedule", "execution_state", "fire_instant",
}

func jobRow(mock pgxmock.PgxPoolIface, updatedAt time.Time) *pgxmock.Rows {
	created := updatedAt.Add(-time.Hour)
	return mock.NewRows(jobRowColumns).AddRow(
		"job-1", "u1", jobs.TypeMain, jobs.StatusQueued, 0, jobs.SourceFile, (*string)(nil), (*string)(nil),
		(*string)(nil), (*string)(nil), (*string)(nil), created, (*time.Time)(nil), (*time.Time)(nil), updatedAt,
		0, 0, 0, (*string)(nil), (*string)(nil),
		[]byte(nil), []byte(nil), []byte(`{}`), (*time.Time)(nil),
	)
}

func updateJobArgs() []interface{} {
	args := make([]interface{}, 19)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestGetJob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewWithDB(mock, fixedClock{now: now})

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id = \\$1").
		WithArgs("job-1").
		WillReturnRows(jobRow(mock, now))

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewWithDB(mock, nil)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(mock.NewRows(jobRowColumns))

	_, err = store.Get(context.Background(), "missing")
	assert.Equal(t, jobs.KindNotFound, jobs.KindOf(err))
}

func TestUpdateSurfacesConflictAfterRetries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewWithDB(mock, fixedClock{now: now})

	// Every optimistic write loses its race: zero rows match updated_at.
	for i := 0; i < maxConflictRetries; i++ {
		mock.ExpectQuery("SELECT .+ FROM jobs WHERE id = \\$1").
			WithArgs("job-1").
			WillReturnRows(jobRow(mock, now))
		mock.ExpectExec("UPDATE jobs SET").
			WithArgs(updateJobArgs()...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	}

	_, err = store.Update(context.Background(), "job-1", func(j *jobs.Job) error {
		j.Progress = 50
		return nil
	})
	assert.Equal(t, jobs.KindConflict, jobs.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAppliesMutation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewWithDB(mock, fixedClock{now: now})

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id = \\$1").
		WithArgs("job-1").
		WillReturnRows(jobRow(mock, now))
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(updateJobArgs()...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	updated, err := store.Update(context.Background(), "job-1", func(j *jobs.Job) error {
		j.Progress = 50
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 50, updated.Progress)
	assert.Equal(t, now, updated.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
