package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/edgerun/internal/store"
)

func newTestBucket(t *testing.T) *Bucket {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, "test-bucket")
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	obj, err := b.Put(ctx, "greeting.txt", []byte("hello world"), PutOptions{})
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, int64(len("hello world")), obj.Size)

	result, ok, err := b.Get(ctx, "greeting.txt", Conditions{}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), result.Body)
}

func TestPut_RejectsPathTraversal(t *testing.T) {
	b := newTestBucket(t)
	_, err := b.Put(context.Background(), "../escape", []byte("x"), PutOptions{})
	assert.Error(t, err)
}

func TestGet_ConditionalEtagMismatchReturnsMetadataOnly(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	obj, err := b.Put(ctx, "k", []byte("v1"), PutOptions{})
	require.NoError(t, err)

	result, ok, err := b.Get(ctx, "k", Conditions{EtagMatches: "not-" + obj.ETag}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, result.Body)
	assert.Equal(t, obj.ETag, result.Object.ETag)
}

func TestGet_RangeOffsetAndLength(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	require.NoError(t, putOK(b, ctx, "k", []byte("0123456789")))

	offset := int64(2)
	length := int64(3)
	result, ok, err := b.Get(ctx, "k", Conditions{}, &Range{Offset: &offset, Length: &length, HasOffset: true, HasLength: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("234"), result.Body)
}

func TestGet_RangeSuffix(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	require.NoError(t, putOK(b, ctx, "k", []byte("0123456789")))

	suffix := int64(3)
	result, ok, err := b.Get(ctx, "k", Conditions{}, &Range{Suffix: &suffix, HasSuffix: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("789"), result.Body)
}

func TestDelete_RemovesObjectAndBody(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	require.NoError(t, putOK(b, ctx, "k", []byte("v")))
	require.NoError(t, b.Delete(ctx, "k"))

	_, ok, err := b.Get(ctx, "k", Conditions{}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_GroupsByDelimiter(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()
	for _, k := range []string{"photos/a.jpg", "photos/b.jpg", "notes.txt"} {
		require.NoError(t, putOK(b, ctx, k, []byte("x")))
	}

	result, err := b.List(ctx, ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	assert.Contains(t, result.DelimitedPrefixes, "photos/")
	require.Len(t, result.Objects, 1)
	assert.Equal(t, "notes.txt", result.Objects[0].Key)
}

func TestMultipartUpload_CompleteConcatenatesParts(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	upload, err := b.CreateMultipartUpload(ctx, "big.bin")
	require.NoError(t, err)

	p1, err := upload.UploadPart(ctx, 1, []byte("hello "))
	require.NoError(t, err)
	p2, err := upload.UploadPart(ctx, 2, []byte("world"))
	require.NoError(t, err)

	obj, err := upload.Complete(ctx, []CompletePart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)

	result, ok, err := b.Get(ctx, "big.bin", Conditions{}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), result.Body)
	assert.Equal(t, obj.Key, "big.bin")
}

func TestMultipartUpload_CompleteRejectsEtagMismatch(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	upload, err := b.CreateMultipartUpload(ctx, "big.bin")
	require.NoError(t, err)
	_, err = upload.UploadPart(ctx, 1, []byte("hello"))
	require.NoError(t, err)

	_, err = upload.Complete(ctx, []CompletePart{{PartNumber: 1, ETag: "wrong"}})
	assert.Error(t, err)
}

func TestMultipartUpload_AbortRejectsFurtherUploads(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	upload, err := b.CreateMultipartUpload(ctx, "big.bin")
	require.NoError(t, err)
	require.NoError(t, upload.Abort(ctx))

	_, err = upload.UploadPart(ctx, 1, []byte("x"))
	assert.Error(t, err)
}

func putOK(b *Bucket, ctx context.Context, key string, body []byte) error {
	_, err := b.Put(ctx, key, body, PutOptions{})
	return err
}
