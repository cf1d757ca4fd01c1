// Package storagetest runs a backend through the storage contract. Every
// backend package calls TestBackendSuite from its own tests with a fresh
// store factory, so contract regressions show up in each backend's run.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/albertobadia/zoocache-go/storage"
)

// TestBackendSuite exercises the parts of the contract every backend must
// honor identically.
func TestBackendSuite(t *testing.T, newStore func(t *testing.T) storage.Backend) {
	t.Helper()

	ctx := context.Background()

	t.Run("MissingKey", func(t *testing.T) {
		s := newStore(t)
		e, expires, st, err := s.Get(ctx, "nope")
		require.NoError(t, err)
		require.Equal(t, storage.Missing, st)
		require.Nil(t, e)
		require.Zero(t, expires)
	})

	t.Run("OverwriteKeepsSingleEntry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "k", &storage.Entry{Value: []byte("one")}, 0))
		require.NoError(t, s.Set(ctx, "k", &storage.Entry{Value: []byte("two")}, 0))

		e, _, st, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, storage.Hit, st)
		require.Equal(t, []byte("two"), e.Value)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("RawRoundtrip", func(t *testing.T) {
		s := newStore(t)
		want := &storage.Entry{Value: []byte("raw"), TrieVersion: 9}
		data, err := storage.Encode(want)
		require.NoError(t, err)

		require.NoError(t, s.SetRaw(ctx, "k", data, 0))
		e, _, st, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, storage.Hit, st)
		require.Equal(t, want.Value, e.Value)
		require.Equal(t, want.TrieVersion, e.TrieVersion)
	})

	t.Run("RemoveAbsentKey", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Remove(ctx, "ghost"))
	})

	t.Run("EvictZero", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "k", &storage.Entry{Value: []byte("v")}, 0))
		evicted, err := s.EvictLRU(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, evicted)
	})

	t.Run("EvictOldestFirst", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), &storage.Entry{Value: []byte("v")}, 0))
		}
		evicted, err := s.EvictLRU(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []string{"k0", "k1", "k2"}, evicted)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)
	})

	t.Run("ClearThenReuse", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "k", &storage.Entry{Value: []byte("v")}, 0))
		require.NoError(t, s.Clear(ctx))

		n, err := s.Len(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		require.NoError(t, s.Set(ctx, "k2", &storage.Entry{Value: []byte("v")}, 0))
		_, _, st, err := s.Get(ctx, "k2")
		require.NoError(t, err)
		require.Equal(t, storage.Hit, st)
	})

	t.Run("ScanPrefix", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "p:1", &storage.Entry{Value: []byte("v")}, 0))
		require.NoError(t, s.Set(ctx, "q:1", &storage.Entry{Value: []byte("v")}, 0))

		keys, err := s.ScanKeys(ctx, "p:")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Equal(t, "p:1", keys[0].Key)
	})
}
