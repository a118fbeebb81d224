// Package cache implements the HTTP response cache binding: URL-keyed
// status/headers/body storage with Cache-Control/Expires parsing and lazy
// eviction on read.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evalgo/edgerun/internal/store"
)

const defaultMaxBodySize = 512 * 1024 * 1024

// Cache is one named cache (caches.default or caches.open(name)).
type Cache struct {
	store       *store.Store
	name        string
	now         func() time.Time
	MaxBodySize int64
}

// New constructs a cache binding bound to the given cache name.
func New(s *store.Store, name string) *Cache {
	return &Cache{store: s, name: name, now: time.Now, MaxBodySize: defaultMaxBodySize}
}

// Request is the minimal request shape Put/Match/Delete need.
type Request struct {
	Method string
	URL    string
}

// Response is the minimal response shape stored and reconstructed.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// PutOptions configures Put (currently empty; reserved for parity with the
// real platform's options bag).
type PutOptions struct{}

// Put stores resp under req.URL, applying the silent-skip and
// fail-outright rules from the Cache-Control contract.
func (c *Cache) Put(ctx context.Context, req Request, resp Response, _ PutOptions) error {
	if req.Method != "" && req.Method != http.MethodGet {
		return fmt.Errorf("cache put: method must be GET, got %s", req.Method)
	}
	if resp.Status == http.StatusPartialContent {
		return fmt.Errorf("cache put: status 206 not cacheable")
	}
	if resp.Headers.Get("Vary") == "*" {
		return fmt.Errorf("cache put: Vary: * not cacheable")
	}
	if resp.Headers.Get("Set-Cookie") != "" {
		return nil // silent skip
	}
	if int64(len(resp.Body)) > c.MaxBodySize {
		return fmt.Errorf("cache put: body exceeds max size %d", c.MaxBodySize)
	}

	cc := parseCacheControl(resp.Headers.Get("Cache-Control"))
	if cc.noStore {
		return nil // silent skip
	}

	var expiresAt *int64
	now := c.now()
	switch {
	case cc.sMaxAge != nil:
		exp := now.Add(time.Duration(*cc.sMaxAge) * time.Second).Unix()
		expiresAt = &exp
	case cc.maxAge != nil:
		exp := now.Add(time.Duration(*cc.maxAge) * time.Second).Unix()
		expiresAt = &exp
	default:
		if expiresHeader := resp.Headers.Get("Expires"); expiresHeader != "" {
			if t, err := http.ParseTime(expiresHeader); err == nil {
				exp := t.Unix()
				expiresAt = &exp
			}
		}
	}

	headerMap := map[string][]string(resp.Headers)
	headerJSON, err := json.Marshal(headerMap)
	if err != nil {
		return fmt.Errorf("cache put: marshaling headers: %w", err)
	}

	_, err = c.store.DB.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_name, url, status, headers, body, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_name, url) DO UPDATE SET status=excluded.status, headers=excluded.headers, body=excluded.body, expires_at=excluded.expires_at
	`, c.name, req.URL, resp.Status, string(headerJSON), resp.Body, expiresAt)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

type cacheControl struct {
	noStore bool
	maxAge  *int64
	sMaxAge *int64
}

func parseCacheControl(header string) cacheControl {
	var cc cacheControl
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		parts := strings.SplitN(directive, "=", 2)
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		switch name {
		case "no-store":
			cc.noStore = true
		case "max-age":
			if len(parts) == 2 {
				if v, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
					cc.maxAge = &v
				}
			}
		case "s-maxage":
			if len(parts) == 2 {
				if v, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
					cc.sMaxAge = &v
				}
			}
		}
	}
	return cc
}

// Match looks up req.URL, lazily deleting and reporting a miss if expired.
func (c *Cache) Match(ctx context.Context, req Request) (*Response, bool, error) {
	row := c.store.DB.QueryRowContext(ctx, `
		SELECT status, headers, body, expires_at FROM cache_entries WHERE cache_name = ? AND url = ?
	`, c.name, req.URL)

	var status int
	var headerJSON string
	var body []byte
	var expiresAt sql.NullInt64
	if err := row.Scan(&status, &headerJSON, &body, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache match: %w", err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= c.now().Unix() {
		c.store.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, c.name, req.URL)
		return nil, false, nil
	}

	var headerMap map[string][]string
	if err := json.Unmarshal([]byte(headerJSON), &headerMap); err != nil {
		return nil, false, fmt.Errorf("cache match: decoding headers: %w", err)
	}
	headers := http.Header(headerMap)
	headers.Set("cf-cache-status", "HIT")

	return &Response{Status: status, Headers: headers, Body: body}, true, nil
}

// DeleteOptions configures Delete; IgnoreMethod relaxes the GET-only rule
// used elsewhere so that DELETE can target any method's cached entry.
type DeleteOptions struct {
	IgnoreMethod bool
}

// Delete removes req.URL from the cache, reporting whether a row existed.
// A non-GET request matches nothing unless opts.IgnoreMethod is set.
func (c *Cache) Delete(ctx context.Context, req Request, opts DeleteOptions) (bool, error) {
	if !opts.IgnoreMethod && req.Method != "" && req.Method != http.MethodGet {
		return false, nil
	}
	res, err := c.store.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, c.name, req.URL)
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
