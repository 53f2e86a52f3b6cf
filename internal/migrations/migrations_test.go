package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrationsSortsAndPairsUpDown(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/000010_ten.up.sql":   {Data: []byte("SELECT 10;")},
		"sql/000010_ten.down.sql": {Data: []byte("SELECT -10;")},
		"sql/000002_two.up.sql":   {Data: []byte("SELECT 2;")},
		"sql/000002_two.down.sql": {Data: []byte("SELECT -2;")},
		"sql/README.md":           {Data: []byte("ignored")},
	}

	items, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 2 || items[0].Version != 2 || items[1].Version != 10 {
		t.Fatalf("unexpected migration order: %+v", items)
	}
	if items[0].Name != "two" || items[0].DownSQL != "SELECT -2;" {
		t.Fatalf("items[0] = %+v", items[0])
	}
	if items[0].Checksum != checksum("SELECT 2;") {
		t.Fatalf("Checksum = %q", items[0].Checksum)
	}
}

func TestLoadMigrationsRejectsIncompletePairs(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		want string
	}{
		{
			name: "missing down",
			fsys: fstest.MapFS{"sql/000001_one.up.sql": {Data: []byte("SELECT 1;")}},
			want: "missing down SQL",
		},
		{
			name: "blank up",
			fsys: fstest.MapFS{
				"sql/000001_one.up.sql":   {Data: []byte("  \n")},
				"sql/000001_one.down.sql": {Data: []byte("SELECT -1;")},
			},
			want: "missing up SQL",
		},
		{
			name: "conflicting names",
			fsys: fstest.MapFS{
				"sql/000001_one.up.sql":   {Data: []byte("SELECT 1;")},
				"sql/000001_uno.down.sql": {Data: []byte("SELECT -1;")},
			},
			want: "conflicting names",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.fsys)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("loadMigrations() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations(embedded) error = %v", err)
	}
	if len(items) == 0 || items[0].Name != "catalog" {
		t.Fatalf("items = %+v", items)
	}
}

func TestUpAppliesPendingMigrations(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: twoMigrations()}

	expectLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM askmesh_schema_migrations ORDER BY version ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow(int64(1), checksum("CREATE TABLE one (id INT)")))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE two (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO askmesh_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)")).
		WithArgs(int64(2), "two", checksum("CREATE TABLE two (id INT)")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := runner.Up(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("Up() applied %d, want 1", applied)
	}
	assertSQLMock(t, mock)
}

func TestUpRefusesDriftedMigration(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: twoMigrations()}

	expectLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM askmesh_schema_migrations ORDER BY version ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow(int64(1), "stale"))
	expectUnlock(mock)

	applied, err := runner.Up(context.Background(), db, 0)
	if !errors.Is(err, ErrDrift) {
		t.Fatalf("Up() error = %v, want ErrDrift", err)
	}
	if applied != 0 {
		t.Fatalf("Up() applied %d, want 0", applied)
	}
	assertSQLMock(t, mock)
}

func TestUpRollsBackFailedScript(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: twoMigrations()}

	expectLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM askmesh_schema_migrations ORDER BY version ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE one (id INT)")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectUnlock(mock)

	applied, err := runner.Up(context.Background(), db, 0)
	if err == nil || !strings.Contains(err.Error(), "000001_one") {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 0 {
		t.Fatalf("Up() applied %d, want 0", applied)
	}
	assertSQLMock(t, mock)
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: twoMigrations()}

	expectLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM askmesh_schema_migrations ORDER BY version DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow(int64(2), "").AddRow(int64(1), ""))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE two")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM askmesh_schema_migrations WHERE version = $1")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	rolledBack, err := runner.Down(context.Background(), db, 0)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("Down() rolled back %d, want 1", rolledBack)
	}
	assertSQLMock(t, mock)
}

func TestStatusReportsAppliedPendingAndDrifted(t *testing.T) {
	db, mock := newSQLMock(t)
	runner := &Runner{fsys: fstest.MapFS{
		"sql/000001_one.up.sql":     {Data: []byte("SELECT 1")},
		"sql/000001_one.down.sql":   {Data: []byte("SELECT -1")},
		"sql/000002_two.up.sql":     {Data: []byte("SELECT 2")},
		"sql/000002_two.down.sql":   {Data: []byte("SELECT -2")},
		"sql/000003_three.up.sql":   {Data: []byte("SELECT 3")},
		"sql/000003_three.down.sql": {Data: []byte("SELECT -3")},
	}}

	expectLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM askmesh_schema_migrations ORDER BY version ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).
			AddRow(int64(1), checksum("SELECT 1")).
			AddRow(int64(2), "edited"))
	expectUnlock(mock)

	states, err := runner.Status(context.Background(), db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := []State{
		{Version: 1, Name: "one", Applied: true},
		{Version: 2, Name: "two", Applied: true, Drifted: true},
		{Version: 3, Name: "three"},
	}
	if len(states) != len(want) {
		t.Fatalf("Status() = %+v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("Status()[%d] = %+v, want %+v", i, states[i], want[i])
		}
	}
	assertSQLMock(t, mock)
}

func TestLockFailureSkipsWork(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(advisoryLockID).
		WillReturnError(errors.New("connection reset"))

	if _, err := (&Runner{fsys: twoMigrations()}).Up(context.Background(), db, 0); err == nil || !strings.Contains(err.Error(), "migration lock") {
		t.Fatalf("Up() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func twoMigrations() fstest.MapFS {
	return fstest.MapFS{
		"sql/000001_one.up.sql":   {Data: []byte("CREATE TABLE one (id INT)")},
		"sql/000001_one.down.sql": {Data: []byte("DROP TABLE one")},
		"sql/000002_two.up.sql":   {Data: []byte("CREATE TABLE two (id INT)")},
		"sql/000002_two.down.sql": {Data: []byte("DROP TABLE two")},
	}
}

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(advisoryLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS askmesh_schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ADD COLUMN IF NOT EXISTS name").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ADD COLUMN IF NOT EXISTS checksum").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(advisoryLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
