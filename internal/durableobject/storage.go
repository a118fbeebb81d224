package durableobject

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evalgo/edgerun/internal/store"
)

// execer is the subset of *sql.DB and *sql.Tx that Storage's operations
// need, letting Transaction run them against a real transaction instead of
// the shared connection.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage is the async key-value storage API exposed to an actor instance,
// scoped to its (class, id) pair on the shared store.
type Storage struct {
	store *store.Store
	class string
	id    string
	exec  execer
	sqlDB *sql.DB
}

func newStorage(s *store.Store, class, id string) *Storage {
	return &Storage{store: s, class: class, id: id, exec: s.DB}
}

// Get fetches one key's value. ok is false if the key is unset.
func (st *Storage) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	row := st.exec.QueryRowContext(ctx, `
		SELECT value FROM do_storage WHERE class = ? AND id = ? AND key = ?
	`, st.class, st.id, key)

	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("durable object storage get: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// GetMultiple fetches several keys at once; absent keys are omitted.
func (st *Storage) GetMultiple(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v, ok, err := st.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put stores one key's value.
func (st *Storage) Put(ctx context.Context, key string, value json.RawMessage) error {
	_, err := st.exec.ExecContext(ctx, `
		INSERT INTO do_storage (class, id, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(class, id, key) DO UPDATE SET value=excluded.value
	`, st.class, st.id, key, string(value))
	if err != nil {
		return fmt.Errorf("durable object storage put: %w", err)
	}
	return nil
}

// PutMultiple stores several key/value pairs.
func (st *Storage) PutMultiple(ctx context.Context, entries map[string]json.RawMessage) error {
	for k, v := range entries {
		if err := st.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a key, reporting whether it existed.
func (st *Storage) Delete(ctx context.Context, key string) (bool, error) {
	res, err := st.exec.ExecContext(ctx, `
		DELETE FROM do_storage WHERE class = ? AND id = ? AND key = ?
	`, st.class, st.id, key)
	if err != nil {
		return false, fmt.Errorf("durable object storage delete: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteAll removes every key for this instance.
func (st *Storage) DeleteAll(ctx context.Context) error {
	_, err := st.exec.ExecContext(ctx, `DELETE FROM do_storage WHERE class = ? AND id = ?`, st.class, st.id)
	return err
}

// ListOptions constrains List to a lexicographic key range. Prefix and
// StartAfter compose with Start/End: all given bounds must hold for a key
// to be returned.
type ListOptions struct {
	Start, End string
	Prefix     string
	StartAfter string
	Reverse    bool
	Limit      int
}

// List returns the stored entries whose keys satisfy opts. Keys are walked
// in sorted order (descending when Reverse is set) to apply Limit, but the
// result is a map and carries no order.
func (st *Storage) List(ctx context.Context, opts ListOptions) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM do_storage WHERE class = ? AND id = ?`
	args := []any{st.class, st.id}
	if opts.Start != "" {
		query += ` AND key >= ?`
		args = append(args, opts.Start)
	}
	if opts.End != "" {
		query += ` AND key < ?`
		args = append(args, opts.End)
	}
	query += ` ORDER BY key ASC`

	rows, err := st.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("durable object storage list: %w", err)
	}
	defer rows.Close()

	type kv struct {
		key, value string
	}
	var all []kv
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && k <= opts.StartAfter {
			continue
		}
		all = append(all, kv{k, v})
	}

	if opts.Reverse {
		sort.SliceStable(all, func(i, j int) bool { return all[i].key > all[j].key })
	}
	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}

	out := make(map[string]json.RawMessage, len(all))
	for _, e := range all {
		out[e.key] = json.RawMessage(e.value)
	}
	return out, nil
}

// Transaction runs fn with a Storage whose Get/Put/Delete/List all execute
// against a single sqlite transaction, committing every write fn made if it
// returns nil and rolling all of them back on error or panic.
func (st *Storage) Transaction(ctx context.Context, fn func(ctx context.Context, txStorage *Storage) error) error {
	tx, err := st.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durable object storage transaction: %w", err)
	}
	defer tx.Rollback()

	txStorage := &Storage{store: st.store, class: st.class, id: st.id, exec: tx, sqlDB: st.sqlDB}
	if err := fn(ctx, txStorage); err != nil {
		return err
	}
	return tx.Commit()
}

// SQL returns the per-instance relational database, opening it on first use.
func (st *Storage) SQL(s *store.Store) (*sql.DB, error) {
	if st.sqlDB != nil {
		return st.sqlDB, nil
	}
	path := s.DOSQLPath(st.class, st.id)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("durable object sql: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("durable object sql: %w", err)
	}
	st.sqlDB = db
	return db, nil
}
