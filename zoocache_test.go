package zoocache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	zoocache "github.com/albertobadia/zoocache-go"
)

func newCore(t *testing.T, opts zoocache.Options) *zoocache.Core {
	t.Helper()

	core, err := zoocache.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func Test_Invalidated_Dependency_Evicts_Entry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "u:1:profile", []byte("blob1"), []string{"user:1"}, 0))
	require.NoError(t, core.Invalidate(ctx, "user:1"))

	_, found, err := core.Get(ctx, "u:1:profile")
	require.NoError(t, err)
	require.False(t, found)

	// The stale entry was physically removed, not just hidden.
	n, err := core.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_Unrelated_Invalidation_Keeps_Entry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "u:1:profile", []byte("blob1"), []string{"user:1"}, 0))
	require.NoError(t, core.Invalidate(ctx, "user:2"))

	v, found, err := core.Get(ctx, "u:1:profile")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("blob1"), v)
}

func Test_Parent_Prefix_Invalidation_Evicts_Entry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "u:1:profile", []byte("blob1"), []string{"org:42:user:1"}, 0))
	require.NoError(t, core.Invalidate(ctx, "org:42"))

	_, found, err := core.Get(ctx, "u:1:profile")
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Epoch_Fast_Path_Serves_Without_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "k", []byte("v"), []string{"user:1"}, 0))

	// No invalidation anywhere since the write: repeated reads hit.
	for i := 0; i < 3; i++ {
		v, found, err := core.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("v"), v)
	}
}

func Test_Entry_With_No_Dependencies_Survives_Any_Invalidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "static", []byte("v"), nil, 0))
	require.NoError(t, core.Invalidate(ctx, "user:1"))
	require.NoError(t, core.Invalidate(ctx, "org:42"))

	v, found, err := core.Get(ctx, "static")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}

func Test_Set_Rejects_Invalid_Tags(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	err := core.Set(ctx, "k", []byte("v"), []string{"ok:tag", ":broken"}, 0)
	require.ErrorIs(t, err, zoocache.ErrInvalidTag)

	err = core.Invalidate(ctx, "")
	require.ErrorIs(t, err, zoocache.ErrInvalidTag)
}

func Test_TTL_Expiry_Reads_As_Missing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "short", []byte("v"), nil, 1))

	v, found, err := core.Get(ctx, "short")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)

	time.Sleep(2100 * time.Millisecond)

	_, found, err = core.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Clear_Removes_Everything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "a", []byte("v"), []string{"user:1"}, 0))
	require.NoError(t, core.Set(ctx, "b", []byte("v"), nil, 0))
	require.NoError(t, core.Clear(ctx))

	n, err := core.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// The cache keeps working after a clear.
	require.NoError(t, core.Set(ctx, "c", []byte("v"), []string{"user:1"}, 0))
	_, found, err := core.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, found)
}

func Test_Over_Capacity_Eviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{MaxEntries: 100})

	for i := 0; i < 120; i++ {
		require.NoError(t, core.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), nil, 0))
	}

	n, err := core.Len(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, n, 100)

	// The first sweep dropped the oldest tenth.
	for i := 0; i < 10; i++ {
		_, found, err := core.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.False(t, found, "k%d should have been evicted", i)
	}
	_, found, err := core.Get(ctx, "k119")
	require.NoError(t, err)
	require.True(t, found)
}

func Test_GetOrEntry_Leader_And_Follower(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	_, isLeader, hit, err := core.GetOrEntry(ctx, "cold")
	require.NoError(t, err)
	require.True(t, isLeader)
	require.False(t, hit)

	var wg sync.WaitGroup
	wg.Add(1)
	var followerValue []byte
	go func() {
		defer wg.Done()
		v, leader, followerHit, err := core.GetOrEntry(ctx, "cold")
		require.NoError(t, err)
		require.False(t, leader)
		require.False(t, followerHit)
		followerValue = v
	}()

	// Give the follower a moment to enter the flight, then finish it.
	time.Sleep(50 * time.Millisecond)
	handle := core.FinishFlight("cold", false, []byte("computed"))
	require.Nil(t, handle)

	wg.Wait()
	require.Equal(t, []byte("computed"), followerValue)
}

func Test_GetOrEntry_Returns_Hit_Without_Flight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.Set(ctx, "warm", []byte("v"), nil, 0))

	v, isLeader, hit, err := core.GetOrEntry(ctx, "warm")
	require.NoError(t, err)
	require.False(t, isLeader)
	require.True(t, hit)
	require.Equal(t, []byte("v"), v)
}

func Test_GetOrEntry_Follower_Times_Out(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{FlightTimeout: 50 * time.Millisecond})

	_, isLeader, _, err := core.GetOrEntry(ctx, "stuck")
	require.NoError(t, err)
	require.True(t, isLeader)

	_, _, _, err = core.GetOrEntry(ctx, "stuck")
	require.ErrorIs(t, err, zoocache.ErrFlightLeaderFailed)
}

func Test_GetOrEntry_Follower_Fails_On_Leader_Error(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	_, isLeader, _, err := core.GetOrEntry(ctx, "doomed")
	require.NoError(t, err)
	require.True(t, isLeader)

	done := make(chan error, 1)
	go func() {
		_, _, _, err := core.GetOrEntry(ctx, "doomed")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	core.FinishFlight("doomed", true, nil)
	require.ErrorIs(t, <-done, zoocache.ErrFlightLeaderFailed)
}

func Test_GetOrEntryAsync_Hands_Handle_To_Followers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	type promise struct{ ch chan []byte }
	leaderPromise := &promise{ch: make(chan []byte, 1)}

	_, isLeader, hit, waitHandle, err := core.GetOrEntryAsync(ctx, "async", leaderPromise)
	require.NoError(t, err)
	require.True(t, isLeader)
	require.False(t, hit)
	require.Nil(t, waitHandle)

	_, isLeader, _, waitHandle, err = core.GetOrEntryAsync(ctx, "async", &promise{})
	require.NoError(t, err)
	require.False(t, isLeader)
	require.Same(t, leaderPromise, waitHandle)

	returned := core.FinishFlight("async", false, []byte("v"))
	require.Same(t, leaderPromise, returned)
}

func Test_Concurrent_GetOrEntry_Coalesces_Producers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	const callers = 16
	leaders := make(chan struct{}, callers)
	values := make(chan []byte, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, isLeader, _, err := core.GetOrEntry(ctx, "herd")
			if isLeader {
				leaders <- struct{}{}
				require.NoError(t, core.Set(ctx, "herd", []byte("built"), nil, 0))
				core.FinishFlight("herd", false, []byte("built"))
				return
			}
			require.NoError(t, err)
			values <- v
		}()
	}

	close(start)
	wg.Wait()
	close(leaders)
	close(values)

	// At most one leader at any instant; a caller that arrives after the
	// flight finished may start a fresh one, so "at least one" is the
	// stable assertion here.
	require.GreaterOrEqual(t, len(leaders), 1)
	for v := range values {
		require.Equal(t, []byte("built"), v)
	}
}

func Test_FlushMetrics_And_Heartbeat_On_Local_Setup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core := newCore(t, zoocache.Options{})

	require.NoError(t, core.FlushMetrics(ctx, map[string]float64{"hits": 1}))
	require.NoError(t, core.PushHeartbeat(ctx, "node-1", "{}", 30))
	require.Zero(t, core.DroppedMaintenanceMessages())
}

func Test_New_Rejects_Unknown_Schemes(t *testing.T) {
	t.Parallel()

	_, err := zoocache.New(zoocache.Options{StorageURL: "postgres://nope"})
	require.Error(t, err)

	_, err = zoocache.New(zoocache.Options{BusURL: "kafka://nope"})
	require.Error(t, err)
}

func Test_Core_On_Embedded_Store(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	core := newCore(t, zoocache.Options{StorageURL: "lmdb://" + dir})

	require.NoError(t, core.Set(ctx, "u:1:profile", []byte("blob1"), []string{"user:1"}, 0))

	v, found, err := core.Get(ctx, "u:1:profile")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("blob1"), v)

	require.NoError(t, core.Invalidate(ctx, "user:1"))
	_, found, err = core.Get(ctx, "u:1:profile")
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Version_Is_Set(t *testing.T) {
	t.Parallel()

	core := newCore(t, zoocache.Options{})
	require.NotEmpty(t, core.Version())
}
