package history

import (
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/postscope/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSubQueriesLinkToSessionParent(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db)

	// Two sessions with identical text must not cross-link.
	first := rec.RecordUserQuery("alice", "AI news")
	second := rec.RecordUserQuery("alice", "AI news")

	subsA := []string{"AI news lang:ja", "AI news lang:en", "AI news lang:zh"}
	subsB := []string{"AI ニュース lang:ja", "AI updates lang:en"}
	idsA := rec.RecordSubQueries("alice", first, subsA)
	idsB := rec.RecordSubQueries("alice", second, subsB)

	for _, tc := range []struct {
		parent string
		texts  []string
		ids    []string
	}{{first, subsA, idsA}, {second, subsB, idsB}} {
		rows, err := db.GetSubQueries(tc.parent)
		require.NoError(t, err)
		require.Len(t, rows, len(tc.texts))
		for i, row := range rows {
			assert.Equal(t, tc.ids[i], row.ID)
			assert.Equal(t, tc.texts[i], row.Text)
			assert.Equal(t, database.KindAuto, row.Kind)
			require.NotNil(t, row.ParentID)
			assert.Equal(t, tc.parent, *row.ParentID)

			parent, err := db.GetQuery(*row.ParentID)
			require.NoError(t, err)
			assert.Equal(t, database.KindUser, parent.Kind)
		}
	}

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UserQueries)
	assert.Equal(t, len(subsA)+len(subsB), stats.SubQueries)
}

func TestRecordSummary(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db)

	id := rec.RecordUserQuery("alice", "AI news")
	rec.RecordSummary("alice", id, "## Intro\nbody [1]", 1)

	s, err := db.GetLatestSummary(id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.ReferenceCount)
}

func TestErrorsAreSwallowed(t *testing.T) {
	db := openTestDB(t)
	rec := NewRecorder(db)

	// Unknown parent and unknown query are rejected by the store but not by the recorder.
	ids := rec.RecordSubQueries("alice", "missing-parent", []string{"a", "b"})
	assert.Len(t, ids, 2)
	rec.RecordSummary("alice", "missing-query", "body", 0)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.SubQueries)
	assert.Zero(t, stats.Summaries)
}

func TestSQLFailuresAreSwallowed(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO queries")).
		WillReturnError(errors.New("disk I/O error"))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, owner FROM queries")).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "owner"}).AddRow("user", "alice"))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO queries")).
		ExpectExec().WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO summaries")).
		WillReturnError(errors.New("disk full"))

	rec := NewRecorder(database.New(conn))
	id := rec.RecordUserQuery("alice", "AI news")
	assert.NotEmpty(t, id)

	ids := rec.RecordSubQueries("alice", id, []string{"AI news lang:ja"})
	assert.Len(t, ids, 1)

	rec.RecordSummary("alice", id, "body", 0)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	id := rec.RecordUserQuery("alice", "AI news")
	assert.NotEmpty(t, id)
	assert.Len(t, rec.RecordSubQueries("alice", id, []string{"a"}), 1)
	rec.RecordSummary("alice", id, "body", 0)
}
