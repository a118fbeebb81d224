// Package objectstore implements the R2-like object-store binding: buckets
// backed by the local filesystem plus a metadata row per object, with
// conditional operations, byte ranges, and multipart upload.
//
// Its Go interface is deliberately shaped like an S3-style bucket/key/body
// API, but every operation runs against the local r2/ directory tree; it
// never performs a network call.
package objectstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/store"
)

const (
	maxKeySize         = 1024
	maxCustomMetaSize  = 2048
	maxBatchDeleteKeys = 1000
)

// Bucket is one object-store binding, scoped to a bucket name.
type Bucket struct {
	store  *store.Store
	bucket string
	now    func() time.Time

	// MaxBatchDeleteKeys overrides the default batch-delete cap for tests.
	MaxBatchDeleteKeys int
}

// New constructs an object-store binding bound to the given bucket.
func New(s *store.Store, bucket string) *Bucket {
	return &Bucket{store: s, bucket: bucket, now: time.Now, MaxBatchDeleteKeys: maxBatchDeleteKeys}
}

// Object is the metadata row for a stored object.
type Object struct {
	Key            string
	Size           int64
	ETag           string
	Version        string
	Uploaded       time.Time
	HTTPMetadata   json.RawMessage
	CustomMetadata json.RawMessage
	StorageClass   string
}

// Range selects a byte range of the body; exactly one pattern is valid:
// {Offset, Length}, {Offset only}, or {Suffix}.
type Range struct {
	Offset       *int64
	Length       *int64
	Suffix       *int64
	HasOffset    bool
	HasLength    bool
	HasSuffix    bool
}

// Conditions gates conditional get/put.
type Conditions struct {
	EtagMatches      string
	EtagDoesNotMatch string
	UploadedBefore   *time.Time
	UploadedAfter    *time.Time
}

func (c Conditions) empty() bool {
	return c.EtagMatches == "" && c.EtagDoesNotMatch == "" && c.UploadedBefore == nil && c.UploadedAfter == nil
}

func (c Conditions) holds(obj *Object) bool {
	if c.EtagMatches != "" && c.EtagMatches != "*" && c.EtagMatches != obj.ETag {
		return false
	}
	if c.EtagDoesNotMatch != "" && (c.EtagDoesNotMatch == "*" || c.EtagDoesNotMatch == obj.ETag) {
		return false
	}
	if c.UploadedBefore != nil && !obj.Uploaded.Before(*c.UploadedBefore) {
		return false
	}
	if c.UploadedAfter != nil && !obj.Uploaded.After(*c.UploadedAfter) {
		return false
	}
	return true
}

func validateKey(key string) error {
	if key == "" || len(key) > maxKeySize {
		return bindingerr.NewValidation("key", fmt.Sprintf("key must be non-empty and at most %d bytes", maxKeySize))
	}
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || strings.Contains(clean, "../") || filepath.IsAbs(clean) {
		return bindingerr.NewValidation("key", "path traversal rejected")
	}
	return nil
}

func (b *Bucket) bodyPath(key string) string {
	return filepath.Join(b.store.R2Dir(b.bucket), key)
}

// PutOptions configures Put.
type PutOptions struct {
	HTTPMetadata   json.RawMessage
	CustomMetadata json.RawMessage
	OnlyIf         Conditions
}

// Put writes an object's body and metadata. Returns (nil, nil) if OnlyIf
// fails, per the spec's silent-null-on-precondition-failure rule.
func (b *Bucket) Put(ctx context.Context, key string, body []byte, opts PutOptions) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if len(opts.CustomMetadata) > maxCustomMetaSize {
		return nil, bindingerr.NewValidation("customMetadata", fmt.Sprintf("exceeds max size %d", maxCustomMetaSize))
	}

	if !opts.OnlyIf.empty() {
		existing, ok, err := b.Head(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && !opts.OnlyIf.holds(existing) {
			return nil, nil
		}
		if !ok && (opts.OnlyIf.EtagMatches != "" && opts.OnlyIf.EtagMatches != "*") {
			return nil, nil
		}
	}

	path := b.bodyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating object directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("writing object body: %w", err)
	}

	sum := sha256.Sum256(body)
	obj := &Object{
		Key:            key,
		Size:           int64(len(body)),
		ETag:           hex.EncodeToString(sum[:]),
		Version:        uuid.NewString(),
		Uploaded:       b.now(),
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
	}

	var httpMeta, customMeta interface{}
	if obj.HTTPMetadata != nil {
		httpMeta = string(obj.HTTPMetadata)
	}
	if obj.CustomMetadata != nil {
		customMeta = string(obj.CustomMetadata)
	}

	_, err := b.store.DB.ExecContext(ctx, `
		INSERT INTO r2_objects (bucket, key, size, etag, version, uploaded, http_metadata, custom_metadata, storage_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'Standard')
		ON CONFLICT(bucket, key) DO UPDATE SET
			size=excluded.size, etag=excluded.etag, version=excluded.version,
			uploaded=excluded.uploaded, http_metadata=excluded.http_metadata, custom_metadata=excluded.custom_metadata
	`, b.bucket, key, obj.Size, obj.ETag, obj.Version, obj.Uploaded.Unix(), httpMeta, customMeta)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("object-store put: %w", err)
	}
	return obj, nil
}

func (b *Bucket) scanObject(row *sql.Row) (*Object, bool, error) {
	var key, etag, version, storageClass string
	var size, uploaded int64
	var httpMeta, customMeta sql.NullString
	if err := row.Scan(&key, &size, &etag, &version, &uploaded, &httpMeta, &customMeta, &storageClass); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	obj := &Object{Key: key, Size: size, ETag: etag, Version: version, Uploaded: time.Unix(uploaded, 0).UTC(), StorageClass: storageClass}
	if httpMeta.Valid {
		obj.HTTPMetadata = json.RawMessage(httpMeta.String)
	}
	if customMeta.Valid {
		obj.CustomMetadata = json.RawMessage(customMeta.String)
	}
	return obj, true, nil
}

// Head returns an object's metadata without its body.
func (b *Bucket) Head(ctx context.Context, key string) (*Object, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	row := b.store.DB.QueryRowContext(ctx, `
		SELECT key, size, etag, version, uploaded, http_metadata, custom_metadata, storage_class
		FROM r2_objects WHERE bucket = ? AND key = ?
	`, b.bucket, key)
	obj, ok, err := b.scanObject(row)
	if err != nil {
		return nil, false, fmt.Errorf("object-store head: %w", err)
	}
	return obj, ok, nil
}

// GetResult is the outcome of a conditional get.
type GetResult struct {
	Object *Object
	Body   []byte // nil if condition failed (bare object) or range not requested in full
}

// Get fetches an object. When conditions fail, the object metadata is
// returned with Body == nil (never an error), per spec.
func (b *Bucket) Get(ctx context.Context, key string, cond Conditions, rng *Range) (*GetResult, bool, error) {
	obj, ok, err := b.Head(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	if !cond.empty() && !cond.holds(obj) {
		return &GetResult{Object: obj}, true, nil
	}

	data, err := os.ReadFile(b.bodyPath(key))
	if err != nil {
		return nil, false, fmt.Errorf("reading object body: %w", err)
	}

	if rng != nil {
		data, err = applyRange(data, rng)
		if err != nil {
			return nil, false, err
		}
	}

	return &GetResult{Object: obj, Body: data}, true, nil
}

func applyRange(data []byte, rng *Range) ([]byte, error) {
	n := int64(len(data))
	var start, end int64
	switch {
	case rng.HasSuffix:
		start = n - *rng.Suffix
		if start < 0 {
			start = 0
		}
		end = n
	case rng.HasOffset && rng.HasLength:
		start = *rng.Offset
		end = start + *rng.Length
	case rng.HasOffset:
		start = *rng.Offset
		end = n
	case rng.HasLength:
		start = 0
		end = *rng.Length
	default:
		return data, nil
	}
	if start < 0 || start > n {
		return nil, bindingerr.NewValidation("range", "range out of bounds")
	}
	if end > n {
		end = n
	}
	if end < start {
		end = start
	}
	return data[start:end], nil
}

// Delete removes a single key. Absence is not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := b.store.DB.ExecContext(ctx, `DELETE FROM r2_objects WHERE bucket = ? AND key = ?`, b.bucket, key); err != nil {
		return fmt.Errorf("object-store delete: %w", err)
	}
	os.Remove(b.bodyPath(key))
	return nil
}

// DeleteBatch removes multiple keys. The first key failing validation (e.g.
// path traversal) aborts the whole batch with that error.
func (b *Bucket) DeleteBatch(ctx context.Context, keys []string) error {
	limit := b.MaxBatchDeleteKeys
	if limit <= 0 {
		limit = maxBatchDeleteKeys
	}
	if len(keys) > limit {
		return bindingerr.NewValidation("keys", fmt.Sprintf("batch delete exceeds max %d keys", limit))
	}
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// ListOptions configures List.
type ListOptions struct {
	Prefix     string
	Delimiter  string
	Cursor     string
	Limit      int
	StartAfter string
}

// ListResult is the paginated listing response.
type ListResult struct {
	Objects           []Object
	DelimitedPrefixes []string
	ListComplete      bool
	Cursor            string
}

// List lists objects, grouping keys sharing a delimiter-bounded common
// prefix into DelimitedPrefixes instead of returning them individually.
func (b *Bucket) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	after := opts.Cursor
	if after == "" {
		after = opts.StartAfter
	}

	rows, err := b.store.DB.QueryContext(ctx, `
		SELECT key, size, etag, version, uploaded, http_metadata, custom_metadata, storage_class
		FROM r2_objects
		WHERE bucket = ? AND key LIKE ? ESCAPE '\' AND key > ?
		ORDER BY key ASC
	`, b.bucket, escapeLike(opts.Prefix)+"%", after)
	if err != nil {
		return nil, fmt.Errorf("object-store list: %w", err)
	}
	defer rows.Close()

	result := &ListResult{ListComplete: true}
	prefixSeen := map[string]bool{}
	count := 0
	for rows.Next() {
		var key, etag, version, storageClass string
		var size, uploaded int64
		var httpMeta, customMeta sql.NullString
		if err := rows.Scan(&key, &size, &etag, &version, &uploaded, &httpMeta, &customMeta, &storageClass); err != nil {
			return nil, fmt.Errorf("object-store list scan: %w", err)
		}

		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(key, opts.Prefix)
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				commonPrefix := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				if !prefixSeen[commonPrefix] {
					prefixSeen[commonPrefix] = true
					result.DelimitedPrefixes = append(result.DelimitedPrefixes, commonPrefix)
				}
				continue
			}
		}

		if count >= limit {
			result.ListComplete = false
			result.Cursor = key
			break
		}
		obj := Object{Key: key, Size: size, ETag: etag, Version: version, Uploaded: time.Unix(uploaded, 0).UTC(), StorageClass: storageClass}
		if httpMeta.Valid {
			obj.HTTPMetadata = json.RawMessage(httpMeta.String)
		}
		if customMeta.Valid {
			obj.CustomMetadata = json.RawMessage(customMeta.String)
		}
		result.Objects = append(result.Objects, obj)
		count++
	}
	return result, nil
}

func escapeLike(prefix string) string {
	var b strings.Builder
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// MultipartUpload handles part accumulation for createMultipartUpload /
// resumeMultipartUpload.
type MultipartUpload struct {
	bucket   *Bucket
	key      string
	uploadID string
}

// CreateMultipartUpload begins a new multipart upload.
func (b *Bucket) CreateMultipartUpload(ctx context.Context, key string) (*MultipartUpload, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	_, err := b.store.DB.ExecContext(ctx, `
		INSERT INTO r2_multipart_uploads (bucket, key, upload_id, created_at) VALUES (?, ?, ?, ?)
	`, b.bucket, key, id, b.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}
	return &MultipartUpload{bucket: b, key: key, uploadID: id}, nil
}

// ResumeMultipartUpload wraps a pre-existing, non-aborted upload id.
func (b *Bucket) ResumeMultipartUpload(ctx context.Context, key, uploadID string) (*MultipartUpload, error) {
	var aborted int
	err := b.store.DB.QueryRowContext(ctx, `
		SELECT aborted FROM r2_multipart_uploads WHERE bucket = ? AND key = ? AND upload_id = ?
	`, b.bucket, key, uploadID).Scan(&aborted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bindingerr.NewNotFound("multipart upload")
	}
	if err != nil {
		return nil, fmt.Errorf("resume multipart upload: %w", err)
	}
	if aborted != 0 {
		return nil, bindingerr.NewValidation("uploadId", "upload was aborted")
	}
	return &MultipartUpload{bucket: b, key: key, uploadID: uploadID}, nil
}

// UploadedPart is the handle returned by UploadPart.
type UploadedPart struct {
	PartNumber int
	ETag       string
}

// UploadPart writes one part to a temp path on disk and records it.
func (m *MultipartUpload) UploadPart(ctx context.Context, partNumber int, data []byte) (*UploadedPart, error) {
	if partNumber < 1 {
		return nil, bindingerr.NewValidation("partNumber", "part numbers start at 1")
	}
	if err := m.checkNotAborted(ctx); err != nil {
		return nil, err
	}

	tempDir := filepath.Join(m.bucket.store.R2Dir(m.bucket.bucket), ".multipart", m.uploadID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating multipart temp dir: %w", err)
	}
	tempPath := filepath.Join(tempDir, strconv.Itoa(partNumber))
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing part: %w", err)
	}

	sum := sha256.Sum256(data)
	etag := hex.EncodeToString(sum[:])

	_, err := m.bucket.store.DB.ExecContext(ctx, `
		INSERT INTO r2_multipart_parts (bucket, key, upload_id, part_number, etag, temp_path, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key, upload_id, part_number) DO UPDATE SET etag=excluded.etag, temp_path=excluded.temp_path, size=excluded.size
	`, m.bucket.bucket, m.key, m.uploadID, partNumber, etag, tempPath, len(data))
	if err != nil {
		return nil, fmt.Errorf("recording part: %w", err)
	}
	return &UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

func (m *MultipartUpload) checkNotAborted(ctx context.Context) error {
	var aborted int
	err := m.bucket.store.DB.QueryRowContext(ctx, `
		SELECT aborted FROM r2_multipart_uploads WHERE bucket = ? AND key = ? AND upload_id = ?
	`, m.bucket.bucket, m.key, m.uploadID).Scan(&aborted)
	if errors.Is(err, sql.ErrNoRows) {
		return bindingerr.NewNotFound("multipart upload")
	}
	if err != nil {
		return err
	}
	if aborted != 0 {
		return bindingerr.NewValidation("uploadId", "operation on aborted upload")
	}
	return nil
}

// CompletePart is a caller-supplied part descriptor for Complete.
type CompletePart struct {
	PartNumber int
	ETag       string
}

// Complete verifies each supplied etag, concatenates parts in ascending
// order, stores the result as a single object, and cleans up temp parts.
func (m *MultipartUpload) Complete(ctx context.Context, parts []CompletePart) (*Object, error) {
	if err := m.checkNotAborted(ctx); err != nil {
		return nil, err
	}

	rows, err := m.bucket.store.DB.QueryContext(ctx, `
		SELECT part_number, etag, temp_path FROM r2_multipart_parts
		WHERE bucket = ? AND key = ? AND upload_id = ?
		ORDER BY part_number ASC
	`, m.bucket.bucket, m.key, m.uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	defer rows.Close()

	stored := map[int]struct {
		etag string
		path string
	}{}
	for rows.Next() {
		var n int
		var etag, path string
		if err := rows.Scan(&n, &etag, &path); err != nil {
			return nil, err
		}
		stored[n] = struct {
			etag string
			path string
		}{etag, path}
	}

	ordered := append([]CompletePart(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	var body []byte
	for _, p := range ordered {
		sp, ok := stored[p.PartNumber]
		if !ok || sp.etag != p.ETag {
			return nil, bindingerr.NewValidation("parts", fmt.Sprintf("part %d etag mismatch", p.PartNumber))
		}
		data, err := os.ReadFile(sp.path)
		if err != nil {
			return nil, fmt.Errorf("reading part %d: %w", p.PartNumber, err)
		}
		body = append(body, data...)
	}

	obj, err := m.bucket.Put(ctx, m.key, body, PutOptions{})
	if err != nil {
		return nil, err
	}
	m.cleanup(ctx)
	return obj, nil
}

// Abort discards all temp parts for this upload.
func (m *MultipartUpload) Abort(ctx context.Context) error {
	_, err := m.bucket.store.DB.ExecContext(ctx, `
		UPDATE r2_multipart_uploads SET aborted = 1 WHERE bucket = ? AND key = ? AND upload_id = ?
	`, m.bucket.bucket, m.key, m.uploadID)
	if err != nil {
		return fmt.Errorf("aborting upload: %w", err)
	}
	m.cleanup(ctx)
	return nil
}

func (m *MultipartUpload) cleanup(ctx context.Context) {
	rows, err := m.bucket.store.DB.QueryContext(ctx, `
		SELECT temp_path FROM r2_multipart_parts WHERE bucket = ? AND key = ? AND upload_id = ?
	`, m.bucket.bucket, m.key, m.uploadID)
	if err == nil {
		for rows.Next() {
			var path string
			if rows.Scan(&path) == nil {
				os.Remove(path)
			}
		}
		rows.Close()
	}
	m.bucket.store.DB.ExecContext(ctx, `DELETE FROM r2_multipart_parts WHERE bucket = ? AND key = ? AND upload_id = ?`,
		m.bucket.bucket, m.key, m.uploadID)
	os.RemoveAll(filepath.Join(m.bucket.store.R2Dir(m.bucket.bucket), ".multipart", m.uploadID))
}
