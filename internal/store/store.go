package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Options selects the database and the directory holding run logs.
type Options struct {
	Driver   string
	DSN      string
	StateDir string
}

// Store persists jobs and job executions. It implements core.JobStore and
// core.ExecutionStore.
type Store struct {
	DB       *sqlx.DB
	Driver   string
	StateDir string
}

// Open connects to the configured database and applies migrations. SQLite databases default
// to db.sqlite under StateDir.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure state dir")
	}

	var db *sqlx.DB
	var err error
	switch opts.Driver {
	case DriverSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = filepath.Join(opts.StateDir, "db.sqlite")
		}
		db, err = openSQLite(ctx, dsn)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, errors.WithHint(errors.New("postgres store requires a DSN"),
				"set store.dsn or JOBENGINE_STORE_DSN")
		}
		db, err = sqlx.ConnectContext(ctx, DriverPostgres, opts.DSN)
	default:
		return nil, errors.Newf("unsupported store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := New(db, opts.Driver, opts.StateDir)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database without running migrations.
func New(db *sqlx.DB, driver, stateDir string) *Store {
	return &Store{DB: db, Driver: driver, StateDir: stateDir}
}

func openSQLite(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite allows only one writer; a single connection keeps WAL and busy_timeout applied
	// and serialises writes within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	dir := path.Join("migrations", s.Driver)
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return errors.Wrapf(err, "read migrations for %s", s.Driver)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		version := strings.TrimSuffix(entry.Name(), ".sql")
		var count int
		if err := s.DB.GetContext(ctx, &count,
			s.DB.Rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`), version); err != nil {
			return errors.Wrapf(err, "check migration %s", version)
		}
		if count > 0 {
			continue
		}
		body, err := migrations.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "read migration %s", version)
		}
		if _, err := s.DB.ExecContext(ctx, string(body)); err != nil {
			return errors.Wrapf(err, "apply migration %s", version)
		}
		if _, err := s.DB.ExecContext(ctx,
			s.DB.Rebind(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`),
			version, formatTime(time.Now())); err != nil {
			return errors.Wrapf(err, "record migration %s", version)
		}
	}
	return nil
}

// RunLogPath returns the path of the combined output log of an execution.
func (s *Store) RunLogPath(executionID int64) string {
	return filepath.Join(s.StateDir, "runs", strconv.FormatInt(executionID, 10), "combined.log")
}

// EnsureRunLogDir makes sure the log directory of an execution exists.
func (s *Store) EnsureRunLogDir(executionID int64) error {
	return os.MkdirAll(filepath.Dir(s.RunLogPath(executionID)), 0o755)
}

func (s *Store) removeRunLogs(ids []int64) {
	for _, id := range ids {
		_ = os.RemoveAll(filepath.Dir(s.RunLogPath(id)))
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullableString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid stored time %q", value)
	}
	return t, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func totalPages(total, size int) int {
	if size <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// limitClause appends LIMIT/OFFSET for paged queries; size 0 returns every row.
func limitClause(page, size int) string {
	if size <= 0 {
		return ""
	}
	if page < 0 {
		page = 0
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", size, page*size)
}
