// Package d1 implements the relational-DB binding: one sqlite file per
// logical database, prepared statements with immutable bind, multi-statement
// exec, batch transactions, and per-execution result metadata, grounded on
// the platform's raw-SQL-per-operation style rather than an ORM.
package d1

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/store"
)

// Database is one named logical relational database.
type Database struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if necessary) the sqlite file backing a named
// logical database under <dataDir>/d1/<name>.sqlite.
func Open(s *store.Store, name string) (*Database, error) {
	path := s.D1Path(name)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening d1 database %q: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging d1 database %q: %w", name, err)
	}
	return &Database{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying sqlite connection.
func (d *Database) Close() error { return d.db.Close() }

// Result carries the execution metadata the binding contract requires.
type Result struct {
	DurationMS   int64
	RowsRead     int64
	RowsWritten  int64
	LastRowID    int64
	Changes      int64
	ChangedDB    bool
	SizeAfter    int64
	Columns      []string
	Rows         [][]any
}

// Statement is an immutably-bound prepared statement: Bind returns a new
// Statement rather than mutating the receiver.
type Statement struct {
	db   *Database
	sql  string
	args []any
}

// Prepare creates an unbound statement for sql.
func (d *Database) Prepare(sqlText string) *Statement {
	return &Statement{db: d, sql: sqlText}
}

// Bind returns a new Statement with positional parameters bound. The
// receiver is left unmodified.
func (s *Statement) Bind(args ...any) *Statement {
	bound := make([]any, len(args))
	copy(bound, args)
	return &Statement{db: s.db, sql: s.sql, args: bound}
}

func (s *Statement) run(ctx context.Context) (*Result, error) {
	start := time.Now()
	trimmed := strings.TrimSpace(strings.ToUpper(s.sql))
	isQuery := strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") || strings.HasPrefix(trimmed, "PRAGMA")

	result := &Result{}
	if isQuery {
		rows, err := s.db.db.QueryContext(ctx, s.sql, s.args...)
		if err != nil {
			return nil, fmt.Errorf("d1 query: %w", err)
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		result.Columns = cols
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("d1 scan: %w", err)
			}
			result.Rows = append(result.Rows, vals)
			result.RowsRead++
		}
	} else {
		res, err := s.db.db.ExecContext(ctx, s.sql, s.args...)
		if err != nil {
			return nil, fmt.Errorf("d1 exec: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			result.LastRowID = id
		}
		if n, err := res.RowsAffected(); err == nil {
			result.RowsWritten = n
			result.Changes = n
			result.ChangedDB = n > 0
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	if info, err := os.Stat(s.db.path); err == nil {
		result.SizeAfter = info.Size()
	}
	return result, nil
}

// First executes the statement and returns the first row's given column
// (or the whole row if column is empty).
func (s *Statement) First(ctx context.Context, column string) (any, error) {
	res, err := s.run(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	if column == "" {
		return res.Rows[0], nil
	}
	for i, c := range res.Columns {
		if c == column {
			return res.Rows[0][i], nil
		}
	}
	return nil, bindingerr.NewValidation("column", fmt.Sprintf("no such column %q", column))
}

// All executes the statement and returns every row plus metadata.
func (s *Statement) All(ctx context.Context) (*Result, error) {
	return s.run(ctx)
}

// Run executes the statement for its side effects and returns metadata only.
func (s *Statement) Run(ctx context.Context) (*Result, error) {
	return s.run(ctx)
}

// Raw executes the statement and returns rows as raw [][]any, optionally
// prefixed with a column-names row.
func (s *Statement) Raw(ctx context.Context, includeColumnNames bool) ([][]any, error) {
	res, err := s.run(ctx)
	if err != nil {
		return nil, err
	}
	if !includeColumnNames {
		return res.Rows, nil
	}
	header := make([]any, len(res.Columns))
	for i, c := range res.Columns {
		header[i] = c
	}
	return append([][]any{header}, res.Rows...), nil
}

// splitStatements splits a multi-statement SQL blob on semicolons, honoring
// single-quoted strings, double-quoted identifiers, line comments (--) and
// block comments (/* */).
func splitStatements(sqlText string) []string {
	var stmts []string
	var cur strings.Builder
	runes := []rune(sqlText)
	i := 0
	n := len(runes)
	for i < n {
		c := runes[i]
		switch {
		case c == '\'':
			cur.WriteRune(c)
			i++
			for i < n {
				cur.WriteRune(runes[i])
				if runes[i] == '\'' {
					i++
					break
				}
				i++
			}
			continue
		case c == '"':
			cur.WriteRune(c)
			i++
			for i < n {
				cur.WriteRune(runes[i])
				if runes[i] == '"' {
					i++
					break
				}
				i++
			}
			continue
		case c == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
			continue
		case c == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i += 2
			continue
		case c == ';':
			stmts = append(stmts, strings.TrimSpace(cur.String()))
			cur.Reset()
			i++
			continue
		default:
			cur.WriteRune(c)
			i++
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, strings.TrimSpace(cur.String()))
	}

	var out []string
	for _, s := range stmts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Exec splits sqlText into individual statements and runs each one,
// returning the last statement's result metadata merged with aggregate
// rows-read/written across all statements.
func (d *Database) Exec(ctx context.Context, sqlText string) (*Result, error) {
	stmts := splitStatements(sqlText)
	start := time.Now()
	agg := &Result{}
	for _, s := range stmts {
		res, err := d.Prepare(s).run(ctx)
		if err != nil {
			return nil, err
		}
		agg.RowsRead += res.RowsRead
		agg.RowsWritten += res.RowsWritten
		agg.Changes += res.Changes
		if res.ChangedDB {
			agg.ChangedDB = true
		}
		agg.LastRowID = res.LastRowID
		agg.Columns = res.Columns
		agg.Rows = res.Rows
	}
	agg.DurationMS = time.Since(start).Milliseconds()
	if info, err := os.Stat(d.path); err == nil {
		agg.SizeAfter = info.Size()
	}
	return agg, nil
}

// Batch wraps multiple statements in a single transaction, rolling back on
// any error.
func (d *Database) Batch(ctx context.Context, statements []*Statement) ([]*Result, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("d1 batch begin: %w", err)
	}

	var results []*Result
	for _, stmt := range statements {
		scoped := &Statement{db: &Database{db: d.db, path: d.path, now: d.now}, sql: stmt.sql, args: stmt.args}
		res, err := func() (*Result, error) {
			start := time.Now()
			sqlRes, err := tx.ExecContext(ctx, scoped.sql, scoped.args...)
			if err != nil {
				return nil, err
			}
			r := &Result{}
			if id, err := sqlRes.LastInsertId(); err == nil {
				r.LastRowID = id
			}
			if n, err := sqlRes.RowsAffected(); err == nil {
				r.RowsWritten = n
				r.Changes = n
				r.ChangedDB = n > 0
			}
			r.DurationMS = time.Since(start).Milliseconds()
			return r, nil
		}()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("d1 batch statement failed, rolled back: %w", err)
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("d1 batch commit: %w", err)
	}
	return results, nil
}

// Dump returns the raw bytes of the backing sqlite file.
func (d *Database) Dump() ([]byte, error) {
	return os.ReadFile(d.path)
}

// Session is a thin read-your-writes scope wrapper; the local
// implementation simply runs statements against the same connection, since
// there is no replica topology to reason about.
type Session struct {
	db *Database
}

// WithSession returns a session scoped to this database.
func (d *Database) WithSession(bookmark string) *Session {
	return &Session{db: d}
}

// Prepare creates a statement scoped to the session.
func (s *Session) Prepare(sqlText string) *Statement {
	return s.db.Prepare(sqlText)
}
