package durableobject

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evalgo/edgerun/internal/store"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newStorage(s, "Counter", "storage-list-test")
}

func TestList_FiltersByPrefix(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "room:1", json.RawMessage(`1`)))
	require.NoError(t, st.Put(ctx, "room:2", json.RawMessage(`2`)))
	require.NoError(t, st.Put(ctx, "user:1", json.RawMessage(`3`)))

	out, err := st.List(ctx, ListOptions{Prefix: "room:"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out, "room:1")
	require.Contains(t, out, "room:2")
}

func TestList_StartAfterExcludesBoundary(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "a", json.RawMessage(`1`)))
	require.NoError(t, st.Put(ctx, "b", json.RawMessage(`2`)))
	require.NoError(t, st.Put(ctx, "c", json.RawMessage(`3`)))

	out, err := st.List(ctx, ListOptions{StartAfter: "a"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Contains(t, out, "b")
	require.Contains(t, out, "c")
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	err := st.Transaction(ctx, func(ctx context.Context, txStorage *Storage) error {
		return txStorage.Put(ctx, "k", json.RawMessage(`"v"`))
	})
	require.NoError(t, err)

	v, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `"v"`, string(v))
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	err := st.Transaction(ctx, func(ctx context.Context, txStorage *Storage) error {
		if err := txStorage.Put(ctx, "k", json.RawMessage(`"v"`)); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	_, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransaction_GroupsMultipleWrites(t *testing.T) {
	st := newTestStorage(t)
	ctx := context.Background()

	err := st.Transaction(ctx, func(ctx context.Context, txStorage *Storage) error {
		for i := 0; i < 5; i++ {
			if err := txStorage.Put(ctx, "k"+string(rune('0'+i)), json.RawMessage(`1`)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	out, err := st.List(ctx, ListOptions{Prefix: "k"})
	require.NoError(t, err)
	require.Len(t, out, 5)
}
