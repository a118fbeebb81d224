// Package kv implements the key-value binding: a namespaced key→bytes store
// with metadata, TTL-based expiration, bulk get, and cursor-paginated
// prefix listing, persisted on the shared store.
package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/store"
)

const (
	maxKeySize      = 512
	maxValueSize    = 25 * 1024 * 1024
	maxMetadataSize = 1024
	minTTLSeconds   = 60
	maxBulkGetKeys  = 100
	maxListLimit    = 1000
)

// Namespace is one KV binding, scoped to a namespace name.
type Namespace struct {
	store     *store.Store
	namespace string
	now       func() time.Time
}

// New constructs a KV binding bound to the given namespace.
func New(s *store.Store, namespace string) *Namespace {
	return &Namespace{store: s, namespace: namespace, now: time.Now}
}

// PutOptions configures Put.
type PutOptions struct {
	Expiration    *int64 // absolute unix seconds
	ExpirationTTL *int64 // relative seconds
	Metadata      json.RawMessage
}

// Entry is a stored value plus its metadata.
type Entry struct {
	Value      []byte
	Metadata   json.RawMessage
	Expiration *int64
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return bindingerr.NewValidation("key", "key must be non-empty and not '.' or '..'")
	}
	if len(key) > maxKeySize {
		return bindingerr.NewValidation("key", fmt.Sprintf("key exceeds max size %d", maxKeySize))
	}
	return nil
}

// Put stores a value under key, validating size/TTL constraints.
func (n *Namespace) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > maxValueSize {
		return bindingerr.NewValidation("value", fmt.Sprintf("value exceeds max size %d", maxValueSize))
	}
	if len(opts.Metadata) > maxMetadataSize {
		return bindingerr.NewValidation("metadata", fmt.Sprintf("metadata exceeds max size %d", maxMetadataSize))
	}

	now := n.now().Unix()
	var expiration *int64
	switch {
	case opts.Expiration != nil:
		if *opts.Expiration < now+minTTLSeconds {
			return bindingerr.NewValidation("expiration", fmt.Sprintf("expiration must be at least %ds in the future", minTTLSeconds))
		}
		expiration = opts.Expiration
	case opts.ExpirationTTL != nil:
		if *opts.ExpirationTTL < minTTLSeconds {
			return bindingerr.NewValidation("expirationTtl", fmt.Sprintf("expirationTtl must be at least %ds", minTTLSeconds))
		}
		abs := now + *opts.ExpirationTTL
		expiration = &abs
	}

	var metaVal interface{}
	if opts.Metadata != nil {
		metaVal = string(opts.Metadata)
	}

	_, err := n.store.DB.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, metadata, expiration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, metadata=excluded.metadata, expiration=excluded.expiration
	`, n.namespace, key, value, metaVal, expiration)
	if err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Get returns the value for key, or ok=false if absent or expired.
func (n *Namespace) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	row := n.store.DB.QueryRowContext(ctx, `
		SELECT value, metadata, expiration FROM kv_entries
		WHERE namespace = ? AND key = ? AND (expiration IS NULL OR expiration > ?)
	`, n.namespace, key, n.now().Unix())

	var value []byte
	var metadata sql.NullString
	var expiration sql.NullInt64
	if err := row.Scan(&value, &metadata, &expiration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get: %w", err)
	}

	entry := &Entry{Value: value}
	if metadata.Valid {
		entry.Metadata = json.RawMessage(metadata.String)
	}
	if expiration.Valid {
		entry.Expiration = &expiration.Int64
	}
	return entry, true, nil
}

// GetBulk fetches multiple keys at once, capped at maxBulkGetKeys. Missing
// keys are simply absent from the result map.
func (n *Namespace) GetBulk(ctx context.Context, keys []string) (map[string]*Entry, error) {
	if len(keys) > maxBulkGetKeys {
		return nil, bindingerr.NewValidation("keys", fmt.Sprintf("bulk get exceeds max %d keys", maxBulkGetKeys))
	}
	out := make(map[string]*Entry, len(keys))
	for _, k := range keys {
		entry, ok, err := n.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = entry
		}
	}
	return out, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := n.store.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, n.namespace, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// ListOptions configures List.
type ListOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

// ListKey is one entry in a list result.
type ListKey struct {
	Name       string
	Expiration *int64
	Metadata   json.RawMessage
}

// ListResult is the paginated listing response.
type ListResult struct {
	Keys         []ListKey
	ListComplete bool
	Cursor       string
}

// List returns keys in lexicographic order, honoring prefix and cursor
// pagination. The prefix is matched literally; no wildcard expansion.
func (n *Namespace) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := n.store.DB.QueryContext(ctx, `
		SELECT key, metadata, expiration FROM kv_entries
		WHERE namespace = ? AND key LIKE ? ESCAPE '\' AND key > ?
		  AND (expiration IS NULL OR expiration > ?)
		ORDER BY key ASC
		LIMIT ?
	`, n.namespace, likePrefix(opts.Prefix), opts.Cursor, n.now().Unix(), limit+1)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer rows.Close()

	var keys []ListKey
	for rows.Next() {
		var key string
		var metadata sql.NullString
		var expiration sql.NullInt64
		if err := rows.Scan(&key, &metadata, &expiration); err != nil {
			return nil, fmt.Errorf("kv list scan: %w", err)
		}
		lk := ListKey{Name: key}
		if metadata.Valid {
			lk.Metadata = json.RawMessage(metadata.String)
		}
		if expiration.Valid {
			lk.Expiration = &expiration.Int64
		}
		keys = append(keys, lk)
	}

	result := &ListResult{ListComplete: true}
	if len(keys) > limit {
		keys = keys[:limit]
		result.ListComplete = false
		result.Cursor = keys[len(keys)-1].Name
	}
	result.Keys = keys

	sort.SliceStable(result.Keys, func(i, j int) bool { return result.Keys[i].Name < result.Keys[j].Name })
	return result, nil
}

// likePrefix escapes a prefix for a literal LIKE match (no wildcard activation).
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}
