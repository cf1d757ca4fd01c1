package lmdbstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/albertobadia/zoocache-go/storage"
	"github.com/albertobadia/zoocache-go/storage/lmdbstore"
)

func open(t *testing.T, path string) *lmdbstore.Store {
	t.Helper()

	s, err := lmdbstore.Open(path, 64<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(value string) *storage.Entry {
	return &storage.Entry{Value: []byte(value)}
}

func Test_Set_Get_Roundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())

	_, _, st, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, storage.Missing, st)

	require.NoError(t, s.Set(ctx, "k", entry("v"), 0))

	e, expires, st, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, storage.Hit, st)
	require.Zero(t, expires)
	require.Equal(t, []byte("v"), e.Value)
}

func Test_Set_With_TTL_Persists_Deadline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())
	require.NoError(t, s.Set(ctx, "k", entry("v"), 300))

	_, expires, st, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, storage.Hit, st)
	require.NotZero(t, expires)

	// Overwriting without a TTL clears the deadline.
	require.NoError(t, s.Set(ctx, "k", entry("v2"), 0))
	_, expires, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Zero(t, expires)
}

func Test_Count_Survives_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	s, err := lmdbstore.Open(dir, 64<<20, nil)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), 0))
	}
	// Overwrites must not inflate the count.
	require.NoError(t, s.Set(ctx, "k0", entry("v2"), 0))
	require.NoError(t, s.Remove(ctx, "k6"))
	require.NoError(t, s.Close())

	s = open(t, dir)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	e, _, st, err := s.Get(ctx, "k0")
	require.NoError(t, err)
	require.Equal(t, storage.Hit, st)
	require.Equal(t, []byte("v2"), e.Value)
}

func Test_Remove_Is_Idempotent_And_Tracks_Count(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())

	require.NoError(t, s.Set(ctx, "k", entry("v"), 0))
	require.NoError(t, s.Remove(ctx, "k"))
	require.NoError(t, s.Remove(ctx, "k"))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_EvictLRU_Follows_Access_Order(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), 0))
	}

	// Touching k0 moves it to the back of the eviction order.
	require.NoError(t, s.TouchBatch(ctx, []storage.TouchItem{{Key: "k0"}}))

	evicted, err := s.EvictLRU(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, evicted)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, _, st, err := s.Get(ctx, "k0")
	require.NoError(t, err)
	require.Equal(t, storage.Hit, st)
}

func Test_EvictLRU_Zero_Is_Noop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())
	require.NoError(t, s.Set(ctx, "k", entry("v"), 0))

	evicted, err := s.EvictLRU(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, evicted)
}

func Test_EvictLRU_Past_End_Evicts_Everything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), 0))
	}

	evicted, err := s.EvictLRU(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evicted, 3)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_Clear_Resets_Tables_And_Count(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), entry("v"), 60))
	}

	require.NoError(t, s.Clear(ctx))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, _, st, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, storage.Missing, st)

	// The store stays usable after a clear.
	require.NoError(t, s.Set(ctx, "fresh", entry("v"), 0))
	n, err = s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_ScanKeys_Filters_By_Prefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())
	require.NoError(t, s.Set(ctx, "a:1", entry("v"), 0))
	require.NoError(t, s.Set(ctx, "a:2", entry("v"), 60))
	require.NoError(t, s.Set(ctx, "b:1", entry("v"), 0))

	keys, err := s.ScanKeys(ctx, "a:")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "a:1", keys[0].Key)
	require.Zero(t, keys[0].ExpiresAt)
	require.Equal(t, "a:2", keys[1].Key)
	require.NotZero(t, keys[1].ExpiresAt)
}

func Test_Corrupted_Entry_Is_Evicted_On_Read(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())

	require.NoError(t, s.SetRaw(ctx, "bad", []byte("ZOO1 but not really"), 0))

	_, _, st, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, storage.Missing, st)

	// The eviction is durable.
	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_FlushMetrics_Accumulates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := open(t, t.TempDir())
	require.NoError(t, s.FlushMetrics(ctx, map[string]float64{"hits": 2.5}))
	require.NoError(t, s.FlushMetrics(ctx, map[string]float64{"hits": 1.5}))

	v, err := s.Metric("hits")
	require.NoError(t, err)
	require.InDelta(t, 4.0, v, 1e-9)
}

func Test_NeedsTTIWorker_Is_True(t *testing.T) {
	t.Parallel()
	require.True(t, open(t, t.TempDir()).NeedsTTIWorker())
}
