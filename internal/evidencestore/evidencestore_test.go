package evidencestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(0),
		"sqlite": sq,
	}
}

func TestStorePutGetDel(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutWithTTL(ctx, "k1", []byte("v1"), time.Minute))

			v, err := store.Get(ctx, "k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)

			require.NoError(t, store.Del(ctx, "k1"))
			_, err = store.Get(ctx, "k1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutWithTTL(ctx, "k1", []byte("v1"), 10*time.Millisecond))
			time.Sleep(30 * time.Millisecond)

			_, err := store.Get(ctx, "k1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreAppendSetMember(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.AppendSetMember(ctx, "s1", "p1", time.Minute))
			require.NoError(t, store.AppendSetMember(ctx, "s1", "p2", time.Minute))
			require.NoError(t, store.AppendSetMember(ctx, "s1", "p1", time.Minute)) // idempotent

			members, err := store.SetMembers(ctx, "s1")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"p1", "p2"}, members)
		})
	}
}

func TestStoreScanBySession(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			k1, k2 := AnalysisKey("p1", 100), AnalysisKey("p2", 200)
			require.NoError(t, store.PutWithTTL(ctx, k1, []byte("a1"), time.Minute))
			require.NoError(t, store.PutWithTTL(ctx, k2, []byte("a2"), time.Minute))
			idx := AnalysesBySessionIndexKey("sess1")
			require.NoError(t, store.AppendSetMember(ctx, idx, k1, time.Minute))
			require.NoError(t, store.AppendSetMember(ctx, idx, k2, time.Minute))

			analyses, err := store.ScanBySession(ctx, "sess1")
			require.NoError(t, err)
			require.ElementsMatch(t, [][]byte{[]byte("a1"), []byte("a2")}, analyses)
		})
	}
}

func TestStorePutIfAbsent(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			committed, existing, err := store.PutIfAbsent(ctx, "attendance:s1:p1", []byte("first"), time.Minute)
			require.NoError(t, err)
			require.True(t, committed)
			require.Nil(t, existing)

			committed, existing, err = store.PutIfAbsent(ctx, "attendance:s1:p1", []byte("second"), time.Minute)
			require.NoError(t, err)
			require.False(t, committed)
			require.Equal(t, []byte("first"), existing)
		})
	}
}
