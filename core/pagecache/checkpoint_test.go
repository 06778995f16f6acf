package pagecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestPageCache_CheckpointWhileWriting copies a cache under a running writer
// and recovers the copy.
func TestPageCache_CheckpointWhileWriting(t *testing.T) {
	pc := openCache(t, testConfig(t, t.TempDir()))
	defer pc.Close()

	guard := pc.Pin()
	pid, _, err := pc.Allocate(pagemanager.BaseFrag(leafWith()), guard)
	guard.Unpin()
	require.NoError(t, err)

	var written atomic.Int64
	for i := 0; i < 100; i++ {
		linkSet(t, pc, pid, fmt.Sprintf("w-%04d", i), "v")
		written.Add(1)
	}

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for i := int(written.Load()); ; i++ {
			select {
			case <-stop:
				return nil
			default:
			}
			if err := trySet(pc, pid, fmt.Sprintf("w-%04d", i)); err != nil {
				return err
			}
			written.Add(1)
		}
	})

	before := written.Load()
	dst := filepath.Join(t.TempDir(), "checkpoint")
	stats, err := pc.Checkpoint(context.Background(), dst, 0)
	close(stop)
	require.NoError(t, g.Wait())
	require.NoError(t, err)
	require.Positive(t, stats.Files)
	require.Positive(t, stats.Bytes)

	cfg := testConfig(t, dst)
	cp := openCache(t, cfg)
	defer cp.Close()

	// The copy holds a gap-free prefix of the writes that covers every write
	// finished before the checkpoint started.
	got := leafOf(t, cp, pid)
	require.GreaterOrEqual(t, int64(len(got)), before)
	for i := 0; i < len(got); i++ {
		require.Contains(t, got, fmt.Sprintf("w-%04d", i))
	}

	// The original keeps going.
	linkSet(t, pc, pid, "after", "checkpoint")
	require.Equal(t, "checkpoint", leafOf(t, pc, pid)["after"])
}

// trySet is linkSet for goroutines other than the test's.
func trySet(pc *PageCache, pid pagemanager.PageID, key string) error {
	for {
		guard := pc.Pin()
		page, err := pc.Get(pid, guard)
		if err != nil {
			guard.Unpin()
			return err
		}
		res, err := pc.Link(pid, page.Ptr(), pagemanager.SetFrag([]byte(key), []byte("v")), guard)
		guard.Unpin()
		if err != nil || res.Swapped {
			return err
		}
	}
}

func TestPageCache_CheckpointRejectsNonEmptyDirectory(t *testing.T) {
	pc := openCache(t, testConfig(t, t.TempDir()))
	defer pc.Close()

	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stray"), nil, 0644))
	_, err := pc.Checkpoint(context.Background(), dst, 0)
	require.Error(t, err)

	_, err = pc.Checkpoint(context.Background(), pc.cfg.Path, 0)
	require.Error(t, err)
}
