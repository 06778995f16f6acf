package tree

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Crixalis2013/sled/core/pagecache"
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

func setupContext(t *testing.T, dir string) *Context {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	pc, err := pagecache.Open(pagecache.Config{
		Path:        dir,
		SegmentSize: 4096,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return &Context{PageCache: pc, Logger: logger}
}

func openTree(t *testing.T, ctx *Context, name string) *Tree {
	t.Helper()
	guard := ctx.PageCache.Pin()
	defer guard.Unpin()
	tr, err := Open(ctx, []byte(name), guard)
	require.NoError(t, err)
	return tr
}

// livePages returns the ids of every page that is allocated and not freed.
func livePages(t *testing.T, pc *pagecache.PageCache) []pagemanager.PageID {
	t.Helper()
	guard := pc.Pin()
	defer guard.Unpin()
	var out []pagemanager.PageID
	for pid := pagemanager.FirstAllocatablePID; pid < pc.Stats().NextPID; pid++ {
		_, err := pc.Get(pid, guard)
		if err == nil {
			out = append(out, pid)
			continue
		}
		if !errors.Is(err, pagecache.ErrPageNotFound) && !errors.Is(err, pagecache.ErrPageFreed) {
			require.NoError(t, err)
		}
	}
	return out
}

// --- Bootstrap ---

// TestOpen_IsIdempotent opens the same name twice from one goroutine.
func TestOpen_IsIdempotent(t *testing.T) {
	ctx := setupContext(t, t.TempDir())

	first := openTree(t, ctx, "users")
	second := openTree(t, ctx, "users")
	require.Equal(t, first.Root(), second.Root())
	require.Len(t, livePages(t, ctx.PageCache), 2, "opening an existing tree allocates nothing")
}

// TestOpen_ConcurrentOpenersAgreeOnRoot races many openers of one new name.
func TestOpen_ConcurrentOpenersAgreeOnRoot(t *testing.T) {
	ctx := setupContext(t, t.TempDir())

	const openers = 16
	roots := make([]pagemanager.PageID, openers)
	var eg errgroup.Group
	start := make(chan struct{})
	for i := 0; i < openers; i++ {
		eg.Go(func() error {
			<-start
			guard := ctx.PageCache.Pin()
			defer guard.Unpin()
			tr, err := Open(ctx, []byte("shared"), guard)
			if err != nil {
				return err
			}
			roots[i] = tr.Root()
			return nil
		})
	}
	close(start)
	require.NoError(t, eg.Wait())

	for _, r := range roots {
		require.Equal(t, roots[0], r)
	}

	// Every loser freed its leaf and root; only the winner's pair remains.
	live := livePages(t, ctx.PageCache)
	require.Len(t, live, 2)
	require.Contains(t, live, roots[0])

	guard := ctx.PageCache.Pin()
	defer guard.Unpin()
	names, err := ctx.PageCache.TreeNames(guard)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("shared")}, names)
	t.Logf("lost races: %d", ctx.LostRaces())
}

// TestOpen_DistinctNamesGetDistinctRoots opens many names concurrently.
func TestOpen_DistinctNamesGetDistinctRoots(t *testing.T) {
	ctx := setupContext(t, t.TempDir())

	const names = 12
	roots := make([]pagemanager.PageID, names)
	var eg errgroup.Group
	for i := 0; i < names; i++ {
		eg.Go(func() error {
			guard := ctx.PageCache.Pin()
			defer guard.Unpin()
			tr, err := Open(ctx, []byte("tree-"+strconv.Itoa(i)), guard)
			if err != nil {
				return err
			}
			roots[i] = tr.Root()
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	seen := make(map[pagemanager.PageID]bool)
	for _, r := range roots {
		require.False(t, seen[r], "root %d handed out twice", r)
		seen[r] = true
	}
	require.Len(t, livePages(t, ctx.PageCache), 2*names)
}

// TestOpen_RootIsVisibleAfterRegistration checks that a guard pinned after a
// successful registration sees the new root and never the absent state.
func TestOpen_RootIsVisibleAfterRegistration(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "visible")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard := ctx.PageCache.Pin()
			defer guard.Unpin()
			root, err := ctx.PageCache.MetaPidForName([]byte("visible"), guard)
			require.NoError(t, err)
			require.Equal(t, tr.Root(), root)
		}()
	}
	wg.Wait()
}

// TestOpen_SurvivesReopen checks that the registered root is durable.
func TestOpen_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := setupContext(t, dir)
	tr := openTree(t, ctx, "durable")
	_, err := tr.Insert([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, ctx.PageCache.Close())

	ctx = setupContext(t, dir)
	again := openTree(t, ctx, "durable")
	require.Equal(t, tr.Root(), again.Root())
	v, ok, err := again.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

// --- Operations ---

func TestTree_InsertGetRemove(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "kv")

	old, err := tr.Insert([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.Nil(t, old)

	old, err = tr.Insert([]byte("a"), []byte("2"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), old)

	v, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	old, err = tr.Remove([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), old)
	_, ok, err = tr.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	old, err = tr.Remove([]byte("missing"))
	require.NoError(t, err)
	require.Nil(t, old)
}

// TestTree_ConsolidatedReadsMatch writes past the consolidation threshold
// and checks reads against a reference map.
func TestTree_ConsolidatedReadsMatch(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "fold")

	want := make(map[string]string)
	for i := 0; i < 5*pagemanager.PageConsolidationThreshold; i++ {
		k := fmt.Sprintf("key-%02d", i%17)
		if i%7 == 0 {
			_, err := tr.Remove([]byte(k))
			require.NoError(t, err)
			delete(want, k)
			continue
		}
		v := strconv.Itoa(i)
		_, err := tr.Insert([]byte(k), []byte(v))
		require.NoError(t, err)
		want[k] = v
	}

	got := make(map[string]string)
	require.NoError(t, tr.Scan(nil, nil, func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	}))
	require.Equal(t, want, got)
	n, err := tr.Len()
	require.NoError(t, err)
	require.Equal(t, len(want), n)
}

func TestTree_ScanRange(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "scan")
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := tr.Insert([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	var keys []string
	require.NoError(t, tr.Scan([]byte("b"), []byte("e"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	require.Equal(t, []string{"b", "c", "d"}, keys)

	keys = nil
	require.NoError(t, tr.Scan([]byte("b"), nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return len(keys) < 2
	}))
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestTree_Merge(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "counters")

	_, err := tr.Merge([]byte("n"), []byte("1"))
	require.ErrorIs(t, err, ErrNoMergeOperator)

	tr.SetMergeOperator(func(_, old, merged []byte) []byte {
		a, _ := strconv.Atoi(string(old))
		b, _ := strconv.Atoi(string(merged))
		if a+b == 0 {
			return nil
		}
		return []byte(strconv.Itoa(a + b))
	})

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			for j := 0; j < 25; j++ {
				if _, err := tr.Merge([]byte("n"), []byte("1")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	v, ok, err := tr.Get([]byte("n"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "200", string(v))

	_, err = tr.Merge([]byte("n"), []byte("-200"))
	require.NoError(t, err)
	_, ok, err = tr.Get([]byte("n"))
	require.NoError(t, err)
	require.False(t, ok, "a nil merge result removes the key")
}

func TestTree_CompareAndSwap(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "cas")

	cur, swapped, err := tr.CompareAndSwap([]byte("k"), nil, []byte("1"))
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, []byte("1"), cur)

	cur, swapped, err = tr.CompareAndSwap([]byte("k"), nil, []byte("2"))
	require.NoError(t, err)
	require.False(t, swapped)
	require.Equal(t, []byte("1"), cur)

	_, swapped, err = tr.CompareAndSwap([]byte("k"), []byte("1"), nil)
	require.NoError(t, err)
	require.True(t, swapped)
	_, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_ApplyBatch(t *testing.T) {
	dir := t.TempDir()
	ctx := setupContext(t, dir)
	tr := openTree(t, ctx, "batch")
	_, err := tr.Insert([]byte("gone"), []byte("x"))
	require.NoError(t, err)

	var b Batch
	for i := 0; i < 20; i++ {
		b.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte(strconv.Itoa(i)))
	}
	b.Remove([]byte("gone"))
	require.NoError(t, tr.ApplyBatch(&b))

	n, err := tr.Len()
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.NoError(t, ctx.PageCache.Close())

	ctx = setupContext(t, dir)
	tr = openTree(t, ctx, "batch")
	n, err = tr.Len()
	require.NoError(t, err)
	require.Equal(t, 20, n)
	_, ok, err := tr.Get([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_Subscribe(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	tr := openTree(t, ctx, "events")

	sub := tr.Subscribe([]byte("user/"))
	_, err := tr.Insert([]byte("user/1"), []byte("ada"))
	require.NoError(t, err)
	_, err = tr.Insert([]byte("order/1"), []byte("ignored"))
	require.NoError(t, err)
	_, err = tr.Remove([]byte("user/1"))
	require.NoError(t, err)

	require.Equal(t, Event{Kind: EventInsert, Key: []byte("user/1"), Value: []byte("ada")}, <-sub.C)
	require.Equal(t, Event{Kind: EventRemove, Key: []byte("user/1")}, <-sub.C)

	sub.Close()
	_, open := <-sub.C
	require.False(t, open)
}

// TestOpen_HandlesShareState checks that two handles on one tree see each
// other's subscribers, merge operator and lock.
func TestOpen_HandlesShareState(t *testing.T) {
	ctx := setupContext(t, t.TempDir())
	a := openTree(t, ctx, "users")
	b := openTree(t, ctx, "users")
	other := openTree(t, ctx, "orders")
	require.Same(t, a.shared, b.shared)
	require.NotSame(t, a.shared, other.shared)
	require.Equal(t, 2, ctx.handleCount([]byte("users")))

	// 1. A write through b reaches a subscriber on a
	sub := a.Subscribe(nil)
	_, err := b.Insert([]byte("alice"), []byte("1"))
	require.NoError(t, err)
	require.Equal(t, Event{Kind: EventInsert, Key: []byte("alice"), Value: []byte("1")}, <-sub.C)

	// 2. The merge operator set on a applies to b
	a.SetMergeOperator(func(_, old, merged []byte) []byte {
		return append(append([]byte(nil), old...), merged...)
	})
	_, err = b.Merge([]byte("alice"), []byte("2"))
	require.NoError(t, err)
	v, ok, err := a.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("12"), v)
	<-sub.C

	// 3. A batch on a excludes writers on b
	a.concurrencyControl.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Insert([]byte("bob"), []byte("3"))
	}()
	select {
	case <-done:
		t.Fatal("insert through b ran while a held the tree lock")
	case <-time.After(50 * time.Millisecond):
	}
	a.concurrencyControl.Unlock()
	<-done
	<-sub.C

	// 4. Closing one handle keeps the subscriber; closing the last closes it
	b.Close()
	b.Close()
	require.Equal(t, 1, ctx.handleCount([]byte("users")))
	_, err = a.Insert([]byte("carol"), []byte("4"))
	require.NoError(t, err)
	require.Equal(t, []byte("carol"), (<-sub.C).Key)

	a.Close()
	_, open := <-sub.C
	require.False(t, open)
	require.Equal(t, 0, ctx.handleCount([]byte("users")))

	// 5. Reopening after the last close starts from the registered root
	c := openTree(t, ctx, "users")
	defer c.Close()
	require.Equal(t, a.Root(), c.Root())
	require.NotSame(t, a.shared, c.shared)
}
