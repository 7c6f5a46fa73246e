package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/uuid"
)

// Repository provides the SQL used by QueueStore and ConflictStore, with a
// prepared statement cache for the hot queries.
type Repository struct {
	db *sql.DB
	// reader serves list queries when set; see WithReader.
	reader *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WithReader routes list queries through reader, a read-only pool over the
// same database. A nil reader keeps every query on the writer. Single-row
// lookups stay on the writer because the engine reads and then updates
// them.
func (r *Repository) WithReader(reader *sql.DB) *Repository {
	r.reader = reader
	return r
}

func (r *Repository) readDB() *sql.DB {
	if r.reader != nil {
		return r.reader
	}
	return r.db
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, dbError("prepare statement", err)
	}

	// another goroutine may have prepared it meanwhile
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. The *sql.DB stays open.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func dbError(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// Times are stored as UTC unix nanoseconds.

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func newID(id string) string {
	if id == "" {
		return uuid.New()
	}
	return id
}

func notFound(kind, id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", kind, id)
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(fmt.Sprintf("update %s", kind), err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}
