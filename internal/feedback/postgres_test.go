package feedback

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing()
	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	return store, mock
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStore_Save_Upsert(t *testing.T) {
	store, mock := setupMockStore(t)
	defer store.Close()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO feedback").
		WithArgs("req-123", "cholera query", "A00.0", "accepted", "", 56, "looks right", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))

	fb := &Feedback{
		RequestID:  "req-123",
		Query:      "cholera query",
		CodeID:     "A00.0",
		Verdict:    VerdictAccepted,
		Confidence: 56,
		Notes:      "looks right",
	}
	err := store.Save(context.Background(), fb)

	require.NoError(t, err)
	assert.Equal(t, int64(7), fb.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save_InvalidVerdict(t *testing.T) {
	store, _ := setupMockStore(t)
	defer store.Close()

	fb := &Feedback{Query: "q", CodeID: "A00", Verdict: Verdict("maybe")}

	err := store.Save(context.Background(), fb)

	assert.Error(t, err)
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	store, mock := setupMockStore(t)
	defer store.Close()

	mock.ExpectQuery("SELECT (.+) FROM feedback").
		WithArgs("unknown", "Z99").
		WillReturnError(sql.ErrNoRows)

	got, err := store.Get(context.Background(), "unknown", "Z99")

	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := setupMockStore(t)
	defer store.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "request_id", "query", "code_id",
		"verdict", "corrected_code", "confidence",
		"notes", "created_at", "updated_at",
	}).AddRow(int64(3), "req-1", "cholera query", "A00.0", "modified", "A00.1", 56, "", now, now)

	mock.ExpectQuery("SELECT (.+) FROM feedback").
		WithArgs("cholera query", "A00.0").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "cholera query", "A00.0")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, VerdictModified, got.Verdict)
	assert.Equal(t, "A00.1", got.CorrectedCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Count(t *testing.T) {
	store, mock := setupMockStore(t)
	defer store.Close()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := store.Count(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestPostgresStore_Delete(t *testing.T) {
	store, mock := setupMockStore(t)
	defer store.Close()

	mock.ExpectExec("DELETE FROM feedback").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Delete(context.Background(), 7)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStore_RoundTrip exercises a real database when one is
// available; CI without postgres skips it.
func TestPostgresStore_RoundTrip(t *testing.T) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	store, err := NewPostgresStoreFromURL(dbURL)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	fb := &Feedback{
		Query:      "round trip query",
		CodeID:     "A00.0",
		Verdict:    VerdictAccepted,
		Confidence: 50,
	}
	require.NoError(t, store.Save(ctx, fb))
	defer store.Delete(ctx, fb.ID)

	got, err := store.Get(ctx, fb.Query, fb.CodeID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, VerdictAccepted, got.Verdict)
}
